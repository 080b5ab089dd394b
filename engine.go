package convoflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/promptcache"
	"github.com/BaSui01/convoflow/types"
)

// recentScanLimit 组装上下文窗口时一次最多回看多少条消息。
const recentScanLimit = 500

// memoryConversationLimit 组装记忆前言时最多取多少条历史会话摘要。
const memoryConversationLimit = 20

// HandleMessage 处理一条入站消息并返回回复文本。
// 消息先落库，随后分类；ignore 策略短路返回空串，不发起任何生成调用。
// 生成路径的失败不向传输层传播，最坏情况返回回退话术或空串。
func (e *Engine) HandleMessage(ctx context.Context, msg *types.Message) (string, error) {
	if msg == nil || msg.ChatID == 0 {
		return "", fmt.Errorf("convoflow: message with chat id is required")
	}

	traceID, ok := types.TraceID(ctx)
	if !ok {
		traceID = uuid.NewString()
		ctx = types.WithTraceID(ctx, traceID)
	}

	if err := e.store.Messages().Append(ctx, msg); err != nil {
		return "", fmt.Errorf("persist inbound message: %w", err)
	}

	persons := e.knownPersons(ctx, msg.ChatID)
	decision := e.selector.Classify(ctx, msg.ChatID, msg.MessageID, msg.Text, participantHandles(persons))
	if decision.Ignore() {
		e.logger.Debug("message ignored by strategy",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID))
		return "", nil
	}

	quality := decision.Strategy.Quality
	if quality == "" {
		quality = types.QualityRegular
	}
	model := e.cfg.Models.ForQuality(quality)

	budget := e.cfg.Window.ShortBudget
	flavor := "short"
	if decision.NeedsExtraContext {
		budget = e.cfg.Window.ExtendedBudget
		flavor = "extended"
	}

	window, err := e.contextWindow(ctx, msg.ChatID, budget)
	if err != nil {
		e.logger.Warn("context window unavailable, answering with the new message only",
			zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		window = []types.Message{*msg}
	}

	// 缓存只覆盖触发消息之前的历史，触发消息始终作为活跃内容发出
	cacheWindow := window
	if n := len(window); n > 0 && window[n-1].MessageID == msg.MessageID {
		cacheWindow = window[:n-1]
	}
	handle := e.cachedHandle(ctx, msg.ChatID, quality, flavor, model, cacheWindow, persons)

	req := &orchestrator.Request{
		ChatID: msg.ChatID,
		Model:  model,
	}
	if handle.Cached() {
		req.CachedContent = handle.Name
		req.Messages = e.toLLMMessages(tailAfter(window, handle.EndMessageID))
		if len(req.Messages) == 0 {
			// generateContent 要求 contents 非空
			req.Messages = e.toLLMMessages([]types.Message{*msg})
		}
	} else {
		memory := e.memoryMessages(ctx, msg.ChatID, persons)
		req.SystemPrompt = e.cfg.Persona.SystemPrompt
		req.Messages = make([]llm.Message, 0, len(memory)+len(window))
		req.Messages = append(req.Messages, memory...)
		req.Messages = append(req.Messages, e.toLLMMessages(window)...)
	}
	if rp := decision.Strategy.ResponsePrompt; rp != "" && rp != e.cfg.Persona.SystemPrompt {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: rp})
	}

	res := e.orch.Run(ctx, req)

	e.logger.Info("message handled",
		zap.String("trace_id", traceID),
		zap.Int64("chat_id", msg.ChatID),
		zap.Int64("message_id", msg.MessageID),
		zap.String("strategy", decision.Strategy.Code),
		zap.String("model", model),
		zap.Bool("cached", handle.Cached()),
		zap.Int("iterations", res.Iterations),
		zap.Int("tool_calls", res.ToolCalls))

	return res.Answer, nil
}

// contextWindow 返回预算内最近的消息后缀，按 MessageID 升序。
// 消息体量以分词器估算，单条超预算的消息照常放入（只含它一条）。
func (e *Engine) contextWindow(ctx context.Context, chatID int64, budget int) ([]types.Message, error) {
	msgs, err := e.store.Messages().ListRecent(ctx, chatID, recentScanLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		size := e.segmenter.MessageSize(msgs[i])
		if total+size > budget && start < len(msgs) {
			break
		}
		total += size
		start = i
	}
	return msgs[start:], nil
}

// cachedHandle 取或建上下文缓存。window 只含触发消息之前的历史，
// 缓存管理器缺失或出错时返回未缓存句柄，调用方退化为全量上下文。
func (e *Engine) cachedHandle(ctx context.Context, chatID int64, quality types.Quality, flavor, model string, window []types.Message, persons []types.Person) *promptcache.Handle {
	if e.cache == nil || len(window) == 0 {
		return &promptcache.Handle{}
	}

	toolNames := make([]string, 0)
	for _, d := range e.registry.Resolve(chatID) {
		toolNames = append(toolNames, d.Code)
	}

	build := func(ctx context.Context) (*promptcache.BuildResult, error) {
		// 缓存内容 = 长期记忆前言 + 历史窗口
		memory := e.memoryMessages(ctx, chatID, persons)
		contents := make([]llm.Message, 0, len(memory)+len(window))
		contents = append(contents, memory...)
		contents = append(contents, e.toLLMMessages(window)...)

		size := 0
		for _, m := range memory {
			size += e.segmenter.MessageSize(types.Message{Text: m.Content})
		}
		for _, m := range window {
			size += e.segmenter.MessageSize(m)
		}
		return &promptcache.BuildResult{
			Model:             model,
			SystemInstruction: e.cfg.Persona.SystemPrompt,
			Contents:          contents,
			Tools:             e.toolSchemas(chatID),
			StartMessageID:    window[0].MessageID,
			EndMessageID:      window[len(window)-1].MessageID,
			SizeTokens:        size,
		}, nil
	}

	handle, err := e.cache.GetOrCreate(ctx, chatID, quality, flavor, toolNames, build)
	if err != nil {
		e.logger.Warn("prompt cache unavailable, running uncached",
			zap.Int64("chat_id", chatID), zap.Error(err))
		return &promptcache.Handle{}
	}
	return handle
}

func (e *Engine) toolSchemas(chatID int64) []llm.ToolSchema {
	descs := e.registry.Resolve(chatID)
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

// toLLMMessages 把存量消息转成模型消息。机器人自己的历史发言映射为
// assistant，其余一律 user，文本前缀带作者标识。
func (e *Engine) toLLMMessages(msgs []types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.UserID == e.cfg.Persona.BotUserID && e.cfg.Persona.BotUserID != 0 {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Text})
			continue
		}
		out = append(out, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("[%d] user %d: %s", m.MessageID, m.UserID, m.Text),
		})
	}
	return out
}

// knownPersons 返回 chat 内所有已知参与者档案。读取失败只告警，返回空。
func (e *Engine) knownPersons(ctx context.Context, chatID int64) []types.Person {
	persons, err := e.store.Persons().List(ctx, chatID)
	if err != nil {
		e.logger.Warn("participant profiles unavailable",
			zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	return persons
}

// participantHandles 把参与者档案转成分类提示里的句柄列表。
func participantHandles(persons []types.Person) []string {
	handles := make([]string, 0, len(persons))
	for _, p := range persons {
		handles = append(handles, personLabel(p))
	}
	return handles
}

func personLabel(p types.Person) string {
	if p.Username != "" {
		return p.Username
	}
	return fmt.Sprintf("user %d", p.UserID)
}

// memoryMessages 把长期记忆组装成前置上下文：批量摘要产出的历史会话摘要，
// 以及参与者的事实与最近印象。读取失败只告警，记忆缺席不阻塞应答。
func (e *Engine) memoryMessages(ctx context.Context, chatID int64, persons []types.Person) []llm.Message {
	var out []llm.Message

	convs, err := e.store.Conversations().ListRecent(ctx, chatID, memoryConversationLimit)
	if err != nil {
		e.logger.Warn("conversation summaries unavailable",
			zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if len(convs) > 0 {
		var sb strings.Builder
		sb.WriteString("此前的会话摘要（由旧到新）：\n")
		for _, c := range convs {
			fmt.Fprintf(&sb, "- [%s] %s：%s\n", c.Date.Format("2006-01-02 15:04"), c.Title, c.Summary)
		}
		out = append(out, llm.Message{Role: llm.RoleUser, Content: sb.String()})
	}

	if len(persons) > 0 {
		var sb strings.Builder
		sb.WriteString("参与者档案：\n")
		for _, p := range persons {
			fmt.Fprintf(&sb, "- %s：", personLabel(p))
			if len(p.Facts) > 0 {
				fmt.Fprintf(&sb, "事实：%s。", strings.Join(p.Facts, "；"))
			}
			if n := len(p.Thoughts); n > 0 {
				last := p.Thoughts[n-1]
				fmt.Fprintf(&sb, "最近印象：%s（权重 %d）。", last.Thought, last.Weight)
			}
			sb.WriteString("\n")
		}
		out = append(out, llm.Message{Role: llm.RoleUser, Content: sb.String()})
	}
	return out
}

// tailAfter 返回 MessageID > afterID 的尾部切片。
func tailAfter(msgs []types.Message, afterID int64) []types.Message {
	for i, m := range msgs {
		if m.MessageID > afterID {
			return msgs[i:]
		}
	}
	return nil
}

// Start 启动批处理调度器。未配置调度器时为空操作。
func (e *Engine) Start() {
	if e.scheduler != nil {
		e.scheduler.Start()
	}
}

// Stop 停止调度器并等待在途轮次。
func (e *Engine) Stop() {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
}

// Close 停止调度器并释放存储连接。
func (e *Engine) Close(ctx context.Context) error {
	e.Stop()
	return e.store.Close(ctx)
}
