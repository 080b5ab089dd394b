package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/convoflow/types"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 表示模型在响应中请求的一次函数调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message 是统一的对话消息。文本内容与函数调用可同时出现，
// 对应供应商响应中的多个 content part。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // 工具返回时标识对应调用
}

// ToolSchema 工具定义（name + description + JSON Schema parameters）。
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// GenerateRequest 是同步单轮生成请求。
type GenerateRequest struct {
	TraceID        string          `json:"trace_id,omitempty"`
	ChatID         int64           `json:"chat_id,omitempty"`
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature,omitempty"`
	TopP           float32         `json:"top_p,omitempty"`
	Tools          []ToolSchema    `json:"tools,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"` // 结构化输出约束
	CachedContent  string          `json:"cached_content,omitempty"`  // 供应商缓存资源名
	Timeout        time.Duration   `json:"timeout,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type GenerateResponse struct {
	ID        string    `json:"id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model"`
	Choices   []Choice  `json:"choices"`
	Usage     Usage     `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Text returns the accumulated text content of the first choice.
func (r *GenerateResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// FunctionCalls returns the function-call parts of the first choice.
func (r *GenerateResponse) FunctionCalls() []ToolCall {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义统一的同步生成接口。
// 工具调用通过 GenerateRequest.Tools 传递，模型在响应中返回 ToolCalls，
// 具体执行由 tools 包负责。
type Provider interface {
	// Generate 发起同步生成请求，返回完整响应。
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// HealthCheck 执行轻量级健康检查，返回延迟与可用性信息。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识。
	Name() string

	// SupportsNativeFunctionCalling 返回是否支持原生 Function Calling。
	SupportsNativeFunctionCalling() bool
}

// CacheCreateRequest 描述一次供应商侧 Prompt 缓存的创建。
type CacheCreateRequest struct {
	Model             string        `json:"model"`
	DisplayName       string        `json:"display_name"`
	SystemInstruction string        `json:"system_instruction,omitempty"`
	Contents          []Message     `json:"contents"`
	Tools             []ToolSchema  `json:"tools,omitempty"`
	TTL               time.Duration `json:"ttl"`
}

// CachedContentHandle 标识一个已创建的供应商缓存。
type CachedContentHandle struct {
	Name        string    `json:"name"` // 供应商资源名，用于 GenerateRequest.CachedContent
	DisplayName string    `json:"display_name"`
	Model       string    `json:"model"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CacheService 是供应商侧 Prompt 缓存的创建/删除接口。
type CacheService interface {
	CreateCache(ctx context.Context, req *CacheCreateRequest) (*CachedContentHandle, error)

	// DeleteCache 删除缓存，资源不存在时应返回 nil（幂等）。
	DeleteCache(ctx context.Context, name string) error
}

// BatchSubmitRequest 描述一次异步批量作业提交。
// 输入/输出均为对象存储位置，文件格式为按行分隔的 JSON。
type BatchSubmitRequest struct {
	Model          string `json:"model"`
	DisplayName    string `json:"display_name"`
	InputLocation  string `json:"input_location"`
	OutputLocation string `json:"output_location"`
}

// BatchHandle 是供应商批量作业的状态快照。
type BatchHandle struct {
	Name        string           `json:"name"` // 供应商作业资源名
	DisplayName string           `json:"display_name"`
	State       types.BatchState `json:"state"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// BatchService 是供应商异步批量作业接口。
type BatchService interface {
	SubmitBatch(ctx context.Context, req *BatchSubmitRequest) (*BatchHandle, error)
	PollBatch(ctx context.Context, name string) (*BatchHandle, error)
}
