// Package orchestrator 单轮生成的状态机：
// BUILD_CONTEXT → CALL_MODEL → (有函数调用? EXECUTE_TOOLS → CALL_MODEL)* → DONE。
//
// 两个硬上限约束循环：最大迭代次数与单轮截止时间。
// 生成路径对外永不返回错误，终态失败给出空串或回退话术。
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/retry"
	"github.com/BaSui01/convoflow/tools"
	"github.com/BaSui01/convoflow/types"
)

// Config 编排配置。
type Config struct {
	// MaxIterations 模型调用次数上限，含首次。
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// TurnTimeout 单轮总预算。
	TurnTimeout time.Duration `yaml:"turn_timeout" json:"turn_timeout"`
	// FallbackReply 终态失败且无部分文本时的回退话术，空串表示不回复。
	FallbackReply string `yaml:"fallback_reply" json:"fallback_reply"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxIterations: 8,
		TurnTimeout:   2 * time.Minute,
	}
}

// Request 一轮生成的输入。
type Request struct {
	ChatID        int64
	Model         string
	SystemPrompt  string
	Messages      []llm.Message
	CachedContent string
	Temperature   float32
	MaxTokens     int
}

// Result 一轮生成的结果。
type Result struct {
	Answer     string
	Iterations int
	ToolCalls  int
	Usage      llm.Usage
}

// Orchestrator 生成编排器。
type Orchestrator struct {
	provider llm.Provider
	registry *tools.Registry
	retryer  retry.Retryer
	metrics  *metrics.Collector
	cfg      Config
	logger   *zap.Logger
}

// New 创建编排器。retryer 与 collector 可为 nil。
func New(provider llm.Provider, registry *tools.Registry, retryer retry.Retryer, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		provider: provider,
		registry: registry,
		retryer:  retryer,
		metrics:  collector,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// Run 执行一轮生成。永不返回错误：失败时给出已累积的部分文本，
// 一个字都没有时给回退话术。
func (o *Orchestrator) Run(ctx context.Context, req *Request) *Result {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	res := &Result{}
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)

	toolSchemas := o.toolSchemas(req.ChatID)

	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		res.Iterations = iter + 1

		resp, err := o.generate(ctx, req, msgs, toolSchemas)
		if err != nil {
			o.logger.Warn("model call failed, ending turn",
				zap.Int64("chat_id", req.ChatID),
				zap.Int("iteration", iter),
				zap.Error(err))
			return o.finish(res)
		}

		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CachedTokens += resp.Usage.CachedTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens

		if text := resp.Text(); text != "" {
			res.Answer += text
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			return o.finish(res)
		}

		// 模型的函数调用消息进入上下文，随后逐个执行
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text(),
			ToolCalls: calls,
		})

		for _, call := range calls {
			if ctx.Err() != nil {
				o.logger.Info("turn cancelled, returning partial answer",
					zap.Int64("chat_id", req.ChatID))
				return o.finish(res)
			}
			msgs = append(msgs, o.executeTool(ctx, req.ChatID, call))
			res.ToolCalls++
		}
	}

	o.logger.Warn("iteration budget exhausted",
		zap.Int64("chat_id", req.ChatID),
		zap.Int("max_iterations", o.cfg.MaxIterations))
	return o.finish(res)
}

func (o *Orchestrator) finish(res *Result) *Result {
	if res.Answer == "" {
		res.Answer = o.cfg.FallbackReply
	}
	return res
}

func (o *Orchestrator) toolSchemas(chatID int64) []llm.ToolSchema {
	if o.registry == nil {
		return nil
	}
	descs := o.registry.Resolve(chatID)
	schemas := make([]llm.ToolSchema, 0, len(descs))
	for _, d := range descs {
		schemas = append(schemas, llm.ToolSchema{
			Name:        d.Code,
			Description: d.Description,
			Parameters:  d.Schema(),
		})
	}
	return schemas
}

func (o *Orchestrator) generate(ctx context.Context, req *Request, msgs []llm.Message, toolSchemas []llm.ToolSchema) (*llm.GenerateResponse, error) {
	traceID, _ := types.TraceID(ctx)
	greq := &llm.GenerateRequest{
		TraceID:       traceID,
		ChatID:        req.ChatID,
		Model:         req.Model,
		Messages:      msgs,
		SystemPrompt:  req.SystemPrompt,
		CachedContent: req.CachedContent,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Tools:         toolSchemas,
	}

	start := time.Now()
	var resp *llm.GenerateResponse
	call := func() error {
		var err error
		resp, err = o.provider.Generate(ctx, greq)
		return err
	}

	var err error
	if o.retryer != nil {
		err = o.retryer.Do(ctx, call)
	} else {
		err = call()
	}

	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		var prompt, cached, completion int
		if resp != nil {
			prompt, cached, completion = resp.Usage.PromptTokens, resp.Usage.CachedTokens, resp.Usage.CompletionTokens
		}
		o.metrics.RecordModelRequest(o.provider.Name(), req.Model, status, time.Since(start), prompt, cached, completion)
	}
	return resp, err
}

// executeTool 执行单个函数调用。失败结果以错误文本喂回模型，
// 让模型自行决定换路还是据实回答。
func (o *Orchestrator) executeTool(ctx context.Context, chatID int64, call llm.ToolCall) llm.Message {
	start := time.Now()
	result, err := o.registry.Invoke(ctx, chatID, call.Name, call.Arguments)

	status := "ok"
	if err != nil {
		status = "error"
		o.logger.Warn("tool invocation failed",
			zap.Int64("chat_id", chatID),
			zap.String("tool", call.Name),
			zap.Error(err))
		result = fmt.Sprintf("tool %s failed: %v", call.Name, err)
	}
	if o.metrics != nil {
		o.metrics.RecordToolInvocation(call.Name, status, time.Since(start))
	}

	payload, _ := json.Marshal(map[string]string{"result": result})
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		Content:    string(payload),
		ToolCallID: call.ID,
	}
}
