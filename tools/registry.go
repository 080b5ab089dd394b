// Package tools 工具注册与调用。
//
// 启动时显式注册，不做反射扫描；每个工具自带参数规格，
// 调用前按规格逐字段校验并按声明顺序传参。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/types"
)

// ArgType 参数类型。
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgInteger ArgType = "integer"
	ArgNumber  ArgType = "number"
	ArgBoolean ArgType = "boolean"
)

// ArgSpec 单个参数的声明。
type ArgSpec struct {
	Name        string  `json:"name"`
	Type        ArgType `json:"type"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required"`
}

// Handler 工具处理函数。args 按 ArgSpec 声明顺序排列，
// 缺省的可选参数为 nil。
type Handler func(ctx context.Context, chatID int64, args ...any) (string, error)

// Descriptor 工具的自描述视图，喂给模型的函数声明由此生成。
type Descriptor struct {
	Code        string
	Description string
	Args        []ArgSpec
}

// Schema 返回参数的 JSON Schema。
func (d Descriptor) Schema() json.RawMessage {
	properties := make(map[string]any, len(d.Args))
	var required []string
	for _, a := range d.Args {
		properties[a.Name] = map[string]any{
			"type":        string(a.Type),
			"description": a.Description,
		}
		if a.Required {
			required = append(required, a.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// EnabledFunc 判断工具对某个会话是否可用，nil 表示全部可用。
type EnabledFunc func(chatID int64, code string) bool

type registration struct {
	desc    Descriptor
	handler Handler
}

// Registry 工具注册表。注册在启动阶段完成，之后只读，调用并发安全。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
	enabled EnabledFunc
	logger  *zap.Logger
}

// NewRegistry 创建注册表。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*registration),
		logger:  logger.With(zap.String("component", "tool_registry")),
	}
}

// SetEnabledFunc 设置会话级可用性判断。
func (r *Registry) SetEnabledFunc(fn EnabledFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = fn
}

// Register 注册工具。重复注册同名工具返回错误。
func (r *Registry) Register(code, description string, args []ArgSpec, handler Handler) error {
	if code == "" {
		return types.NewError(types.ErrToolValidation, "tool code is required")
	}
	if handler == nil {
		return types.NewError(types.ErrToolValidation, fmt.Sprintf("tool %s: handler is required", code))
	}
	seen := make(map[string]struct{}, len(args))
	for _, a := range args {
		if _, dup := seen[a.Name]; dup {
			return types.NewError(types.ErrToolValidation, fmt.Sprintf("tool %s: duplicate arg %s", code, a.Name))
		}
		seen[a.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[code]; exists {
		return types.NewError(types.ErrToolValidation, fmt.Sprintf("tool %s already registered", code))
	}
	r.entries[code] = &registration{
		desc:    Descriptor{Code: code, Description: description, Args: args},
		handler: handler,
	}
	r.logger.Info("tool registered", zap.String("code", code), zap.Int("args", len(args)))
	return nil
}

// Resolve 返回会话可用的工具描述，按 code 排序保证稳定。
func (r *Registry) Resolve(chatID int64) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.entries))
	for code, reg := range r.entries {
		if r.enabled != nil && !r.enabled(chatID, code) {
			continue
		}
		descs = append(descs, reg.desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Code < descs[j].Code })
	return descs
}

// Invoke 校验参数并执行工具。校验失败返回 TOOL_VALIDATION 错误；
// handler 的 panic 与 error 都转成结构化失败，不向上冒泡 panic。
func (r *Registry) Invoke(ctx context.Context, chatID int64, code string, rawArgs json.RawMessage) (result string, err error) {
	r.mu.RLock()
	reg, ok := r.entries[code]
	enabled := r.enabled
	r.mu.RUnlock()

	if !ok {
		return "", types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s not registered", code))
	}
	if enabled != nil && !enabled(chatID, code) {
		return "", types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s not available for chat", code))
	}

	ordered, verr := coerceArgs(reg.desc, rawArgs)
	if verr != nil {
		return "", verr
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				zap.String("code", code),
				zap.Int64("chat_id", chatID),
				zap.Any("panic", rec))
			result = ""
			err = types.NewError(types.ErrToolExecution, fmt.Sprintf("tool %s panicked: %v", code, rec))
		}
	}()

	out, herr := reg.handler(ctx, chatID, ordered...)
	if herr != nil {
		return "", types.NewError(types.ErrToolExecution, herr.Error()).WithCause(herr)
	}
	return out, nil
}

// coerceArgs 按声明顺序校验并转换参数。
func coerceArgs(desc Descriptor, rawArgs json.RawMessage) ([]any, *types.Error) {
	fields := make(map[string]json.RawMessage)
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &fields); err != nil {
			return nil, types.NewError(types.ErrToolValidation,
				fmt.Sprintf("tool %s: arguments are not a JSON object: %v", desc.Code, err))
		}
	}

	known := make(map[string]struct{}, len(desc.Args))
	for _, a := range desc.Args {
		known[a.Name] = struct{}{}
	}
	for name := range fields {
		if _, ok := known[name]; !ok {
			return nil, types.NewError(types.ErrToolValidation,
				fmt.Sprintf("tool %s: unknown argument %s", desc.Code, name))
		}
	}

	ordered := make([]any, 0, len(desc.Args))
	for _, spec := range desc.Args {
		raw, present := fields[spec.Name]
		if !present || string(raw) == "null" {
			if spec.Required {
				return nil, types.NewError(types.ErrToolValidation,
					fmt.Sprintf("tool %s: missing required argument %s", desc.Code, spec.Name))
			}
			ordered = append(ordered, nil)
			continue
		}
		v, err := coerceValue(spec.Type, raw)
		if err != nil {
			return nil, types.NewError(types.ErrToolValidation,
				fmt.Sprintf("tool %s: argument %s: %v", desc.Code, spec.Name, err))
		}
		ordered = append(ordered, v)
	}
	return ordered, nil
}

func coerceValue(t ArgType, raw json.RawMessage) (any, error) {
	switch t {
	case ArgString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected string, got %s", string(raw))
		}
		return s, nil
	case ArgInteger:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("expected integer, got %s", string(raw))
		}
		n := int64(f)
		if float64(n) != f {
			return nil, fmt.Errorf("expected integer, got %s", string(raw))
		}
		return n, nil
	case ArgNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("expected number, got %s", string(raw))
		}
		return f, nil
	case ArgBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("expected boolean, got %s", string(raw))
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported arg type %s", t)
	}
}
