// Package mocks 测试替身：可编排的 Provider 与内存 Store。
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/types"
)

// ScriptedProvider 按预设脚本吐响应的 Provider。
// 响应队列耗尽后重复返回最后一条；Fail 非 nil 时所有调用返回该错误。
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.GenerateResponse
	cursor    int
	Fail      error

	// Requests 记录全部 Generate 请求，断言用。
	Requests []*llm.GenerateRequest
}

var _ llm.Provider = (*ScriptedProvider)(nil)

// NewScriptedProvider 以响应脚本创建。
func NewScriptedProvider(responses ...*llm.GenerateResponse) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// TextResponse 构造纯文本响应。
func TextResponse(text string) *llm.GenerateResponse {
	return &llm.GenerateResponse{
		Model: "scripted",
		Choices: []llm.Choice{{
			Message: llm.Message{Role: llm.RoleAssistant, Content: text},
		}},
	}
}

// ToolCallResponse 构造带函数调用的响应。
func ToolCallResponse(name string, args string) *llm.GenerateResponse {
	return &llm.GenerateResponse{
		Model: "scripted",
		Choices: []llm.Choice{{
			Message: llm.Message{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					Name:      name,
					Arguments: []byte(args),
				}},
			},
		}},
	}
}

func (p *ScriptedProvider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)

	if p.Fail != nil {
		return nil, p.Fail
	}
	if len(p.responses) == 0 {
		return TextResponse(""), nil
	}
	resp := p.responses[p.cursor]
	if p.cursor < len(p.responses)-1 {
		p.cursor++
	}
	return resp, nil
}

func (p *ScriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) SupportsNativeFunctionCalling() bool { return true }

// CallCount 返回 Generate 调用次数。
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// FakeBatchService 可编排的 BatchService。
type FakeBatchService struct {
	mu      sync.Mutex
	submits []*llm.BatchSubmitRequest
	// States 按作业名预设的轮询状态序列，逐次消费。
	States map[string][]types.BatchState
	// SubmitErr 非 nil 时 SubmitBatch 返回该错误。
	SubmitErr error

	seq int
}

var _ llm.BatchService = (*FakeBatchService)(nil)

// NewFakeBatchService 创建空服务。
func NewFakeBatchService() *FakeBatchService {
	return &FakeBatchService{States: make(map[string][]types.BatchState)}
}

func (f *FakeBatchService) SubmitBatch(ctx context.Context, req *llm.BatchSubmitRequest) (*llm.BatchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	f.submits = append(f.submits, req)
	f.seq++
	name := "batches/fake-" + req.DisplayName
	return &llm.BatchHandle{
		Name:        name,
		DisplayName: req.DisplayName,
		State:       types.BatchStateQueued,
	}, nil
}

func (f *FakeBatchService) PollBatch(ctx context.Context, name string) (*llm.BatchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := f.States[name]
	state := types.BatchStateRunning
	if len(states) > 0 {
		state = states[0]
		if len(states) > 1 {
			f.States[name] = states[1:]
		}
	}
	h := &llm.BatchHandle{Name: name, State: state}
	if state.Terminal() {
		now := time.Now()
		h.CompletedAt = &now
	}
	return h, nil
}

// Submits 返回已提交的请求。
func (f *FakeBatchService) Submits() []*llm.BatchSubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*llm.BatchSubmitRequest, len(f.submits))
	copy(out, f.submits)
	return out
}

// FakeCacheService 可编排的 CacheService。
type FakeCacheService struct {
	mu      sync.Mutex
	creates []*llm.CacheCreateRequest
	deletes []string
	// CreateErr 非 nil 时 CreateCache 返回该错误。
	CreateErr error

	seq int
}

var _ llm.CacheService = (*FakeCacheService)(nil)

// NewFakeCacheService 创建空服务。
func NewFakeCacheService() *FakeCacheService {
	return &FakeCacheService{}
}

func (f *FakeCacheService) CreateCache(ctx context.Context, req *llm.CacheCreateRequest) (*llm.CachedContentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.creates = append(f.creates, req)
	f.seq++
	return &llm.CachedContentHandle{
		Name:        fmt.Sprintf("cachedContents/fake-%d", f.seq),
		DisplayName: req.DisplayName,
		Model:       req.Model,
		ExpiresAt:   time.Now().Add(req.TTL),
	}, nil
}

func (f *FakeCacheService) DeleteCache(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	return nil
}

// Creates 返回已创建的缓存请求。
func (f *FakeCacheService) Creates() []*llm.CacheCreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*llm.CacheCreateRequest, len(f.creates))
	copy(out, f.creates)
	return out
}

// Deletes 返回已删除的缓存名。
func (f *FakeCacheService) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletes))
	copy(out, f.deletes)
	return out
}
