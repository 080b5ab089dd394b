// Package strategy 应答策略分类。
//
// 用低档模型对新消息做一次受 JSON Schema 约束的分类调用，
// 从策略目录中选出权重最高的候选。任何失败都回退到 conversation，
// 分类永远不会让主链路失败。
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// Config 分类器配置。
type Config struct {
	// Model 分类使用的低档模型。
	Model string `yaml:"model" json:"model"`
	// RecentWindow 分类上下文取最近多少条消息。
	RecentWindow int `yaml:"recent_window" json:"recent_window"`
	// MaxTokens 分类输出上限。
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Model:        "gemini-2.5-flash-lite",
		RecentWindow: 20,
		MaxTokens:    512,
	}
}

// Decision 分类结果。
type Decision struct {
	Strategy          types.AnswerStrategy
	NeedsExtraContext bool
}

// Ignore 报告该消息是否应被忽略，不产生任何生成调用。
func (d Decision) Ignore() bool { return d.Strategy.Code == types.StrategyIgnore }

// classification 模型输出结构
type classification struct {
	Candidates []struct {
		Strategy string `json:"strategy"`
		Weight   int    `json:"weight"`
	} `json:"candidates"`
	NeedsExtraContext bool `json:"needs_extra_context"`
}

var responseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "strategy": {"type": "string"},
          "weight": {"type": "integer"}
        },
        "required": ["strategy", "weight"]
      }
    },
    "needs_extra_context": {"type": "boolean"}
  },
  "required": ["candidates"]
}`)

// Selector 策略分类器。
type Selector struct {
	provider llm.Provider
	messages store.MessageStore
	catalog  []types.AnswerStrategy
	cfg      Config
	logger   *zap.Logger
}

// NewSelector 创建分类器。catalog 必须包含 conversation 与 ignore 两个保留策略。
func NewSelector(provider llm.Provider, messages store.MessageStore, catalog []types.AnswerStrategy, cfg Config, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 20
	}
	return &Selector{
		provider: provider,
		messages: messages,
		catalog:  catalog,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "strategy_selector")),
	}
}

// fallback 返回 conversation 策略。
func (s *Selector) fallback() Decision {
	for _, st := range s.catalog {
		if st.Code == types.StrategyConversation {
			return Decision{Strategy: st}
		}
	}
	return Decision{Strategy: types.AnswerStrategy{Code: types.StrategyConversation}}
}

// Classify 对新消息分类。participants 为已知参与者句柄，给分类器提供身份线索。
// 出错或候选为空时返回 conversation 回退，错误只记日志。
func (s *Selector) Classify(ctx context.Context, chatID, messageID int64, text string, participants []string) Decision {
	prompt := s.buildPrompt(ctx, chatID, text, participants)

	traceID, _ := types.TraceID(ctx)
	resp, err := s.provider.Generate(ctx, &llm.GenerateRequest{
		TraceID:        traceID,
		ChatID:         chatID,
		Model:          s.cfg.Model,
		SystemPrompt:   prompt.system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: prompt.user}},
		MaxTokens:      s.cfg.MaxTokens,
		ResponseSchema: responseSchema,
	})
	if err != nil {
		s.logger.Warn("classification call failed, falling back to conversation",
			zap.Int64("chat_id", chatID),
			zap.Int64("message_id", messageID),
			zap.Error(err))
		return s.fallback()
	}

	var parsed classification
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		s.logger.Warn("classification output is not valid JSON",
			zap.Int64("chat_id", chatID),
			zap.String("output", resp.Text()),
			zap.Error(err))
		return s.fallback()
	}

	best, ok := s.pickBest(parsed)
	if !ok {
		return s.fallback()
	}

	s.logger.Debug("message classified",
		zap.Int64("chat_id", chatID),
		zap.Int64("message_id", messageID),
		zap.String("strategy", best.Code),
		zap.Bool("needs_extra_context", parsed.NeedsExtraContext))

	return Decision{Strategy: best, NeedsExtraContext: parsed.NeedsExtraContext}
}

// pickBest 在目录内的候选中取权重最高者，同权取先出现者。
func (s *Selector) pickBest(parsed classification) (types.AnswerStrategy, bool) {
	byCode := make(map[string]types.AnswerStrategy, len(s.catalog))
	for _, st := range s.catalog {
		byCode[st.Code] = st
	}

	var best types.AnswerStrategy
	bestWeight := -1
	for _, c := range parsed.Candidates {
		st, known := byCode[c.Strategy]
		if !known {
			s.logger.Debug("classifier proposed unknown strategy", zap.String("strategy", c.Strategy))
			continue
		}
		if c.Weight > bestWeight {
			best = st
			bestWeight = c.Weight
		}
	}
	return best, bestWeight >= 0
}

type classifyPrompt struct {
	system string
	user   string
}

// buildPrompt 组装分类提示：策略目录描述、参与者句柄加紧凑的近期消息窗口。
// 这里刻意不用缓存上下文，分类要快且便宜。
func (s *Selector) buildPrompt(ctx context.Context, chatID int64, text string, participants []string) classifyPrompt {
	var sb strings.Builder
	sb.WriteString("你是消息分类器。根据群聊上下文，为新消息从以下策略中选出合适的应答策略，")
	sb.WriteString("以 JSON 返回候选及 1-100 的权重。没有合适策略时返回 conversation。\n\n策略目录：\n")
	for _, st := range s.catalog {
		desc := st.ClassificationDescription
		if desc == "" {
			desc = st.Code
		}
		fmt.Fprintf(&sb, "- %s: %s\n", st.Code, desc)
	}

	var user strings.Builder
	if len(participants) > 0 {
		fmt.Fprintf(&user, "已知参与者：%s\n\n", strings.Join(participants, "、"))
	}
	recent, err := s.messages.ListRecent(ctx, chatID, s.cfg.RecentWindow)
	if err != nil {
		s.logger.Warn("recent window unavailable for classification",
			zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if len(recent) > 0 {
		user.WriteString("近期消息：\n")
		for _, m := range recent {
			fmt.Fprintf(&user, "[%d] user %d: %s\n", m.MessageID, m.UserID, m.Text)
		}
		user.WriteString("\n")
	}
	fmt.Fprintf(&user, "新消息：%s", text)

	return classifyPrompt{system: sb.String(), user: user.String()}
}
