package convoflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/config"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/testutil/mocks"
	"github.com/BaSui01/convoflow/tools"
	"github.com/BaSui01/convoflow/types"
)

func classifyResponse(code string, weight int) *llm.GenerateResponse {
	return mocks.TextResponse(fmt.Sprintf(`{"candidates":[{"strategy":%q,"weight":%d}]}`, code, weight))
}

func newTestEngine(t *testing.T, provider llm.Provider, opts ...Option) (*Engine, *mocks.MemStore) {
	t.Helper()
	st := mocks.NewMemStore()
	eng, err := New(config.DefaultConfig(), st, provider, opts...)
	require.NoError(t, err)
	return eng, st
}

func inbound(chatID, messageID, userID int64, text string) *types.Message {
	return &types.Message{
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    userID,
		Text:      text,
		Date:      time.Now(),
	}
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	provider := mocks.NewScriptedProvider()
	st := mocks.NewMemStore()

	_, err := New(nil, st, provider)
	assert.Error(t, err)
	_, err = New(config.DefaultConfig(), nil, provider)
	assert.Error(t, err)
	_, err = New(config.DefaultConfig(), st, nil)
	assert.Error(t, err)
}

func TestHandleMessage_PlainReply(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		classifyResponse("conversation", 80),
		mocks.TextResponse("你好，有什么可以帮忙的？"),
	)
	eng, st := newTestEngine(t, provider)

	reply, err := eng.HandleMessage(context.Background(), inbound(1, 10, 201, "在吗"))
	require.NoError(t, err)
	assert.Equal(t, "你好，有什么可以帮忙的？", reply)

	// 入站消息已落库并进入生成上下文
	msgs, err := st.Messages().ListRecent(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(10), msgs[0].MessageID)

	require.Equal(t, 2, provider.CallCount())
	genReq := provider.Requests[1]
	assert.Equal(t, config.DefaultConfig().Persona.SystemPrompt, genReq.SystemPrompt)
	require.NotEmpty(t, genReq.Messages)
	assert.Contains(t, genReq.Messages[0].Content, "user 201")
	assert.Contains(t, genReq.Messages[0].Content, "在吗")

	// 分类与生成共享同一条 trace
	assert.NotEmpty(t, genReq.TraceID)
	assert.Equal(t, provider.Requests[0].TraceID, genReq.TraceID)
}

func TestHandleMessage_IgnoreShortCircuits(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		classifyResponse("ignore", 95),
		mocks.TextResponse("这条不该出现"),
	)
	eng, _ := newTestEngine(t, provider)

	reply, err := eng.HandleMessage(context.Background(), inbound(1, 10, 201, "路过"))
	require.NoError(t, err)
	assert.Empty(t, reply)

	// 只有分类调用，没有任何生成调用
	assert.Equal(t, 1, provider.CallCount())
}

func TestHandleMessage_ClassificationFailureFallsBack(t *testing.T) {
	// 分类输出不是合法 JSON，回退 conversation 并照常生成
	provider := mocks.NewScriptedProvider(
		mocks.TextResponse("not json"),
		mocks.TextResponse("回退后的回答"),
	)
	eng, _ := newTestEngine(t, provider)

	reply, err := eng.HandleMessage(context.Background(), inbound(1, 10, 201, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "回退后的回答", reply)
	assert.Equal(t, 2, provider.CallCount())
}

func TestHandleMessage_CustomStrategyPromptAppended(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		classifyResponse("tech_support", 90),
		mocks.TextResponse("重启试试"),
	)
	eng, _ := newTestEngine(t, provider, WithCatalog([]types.AnswerStrategy{{
		Code:                      "tech_support",
		ClassificationDescription: "技术求助",
		ResponsePrompt:            "用三句话以内给出可执行的排查步骤。",
		Quality:                   types.QualityAdvanced,
	}}))

	reply, err := eng.HandleMessage(context.Background(), inbound(1, 10, 201, "程序崩了"))
	require.NoError(t, err)
	assert.Equal(t, "重启试试", reply)

	genReq := provider.Requests[1]
	// advanced 档位换更强的模型
	assert.Equal(t, "gemini-2.5-pro", genReq.Model)
	// 策略应答提示作为末尾指令进入请求
	last := genReq.Messages[len(genReq.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "排查步骤")
}

func TestHandleMessage_WindowStaysWithinBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Window.ShortBudget = 64
	cfg.Window.ExtendedBudget = 128

	provider := mocks.NewScriptedProvider(
		classifyResponse("conversation", 80),
		mocks.TextResponse("ok"),
	)
	st := mocks.NewMemStore()
	eng, err := New(cfg, st, provider)
	require.NoError(t, err)

	ctx := context.Background()
	for id := int64(1); id <= 40; id++ {
		require.NoError(t, st.Messages().Append(ctx, inbound(1, id, 201, "这是一条不短的历史消息，用来撑大窗口体积")))
	}

	_, err = eng.HandleMessage(ctx, inbound(1, 41, 201, "新消息"))
	require.NoError(t, err)

	genReq := provider.Requests[1]
	// 预算很小，窗口只能容纳最近几条；最后一条必然是新消息
	assert.Less(t, len(genReq.Messages), 40)
	assert.Contains(t, genReq.Messages[len(genReq.Messages)-1].Content, "新消息")
}

func TestHandleMessage_BotHistoryMappedToAssistant(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Persona.BotUserID = 999

	provider := mocks.NewScriptedProvider(
		classifyResponse("conversation", 80),
		mocks.TextResponse("ok"),
	)
	st := mocks.NewMemStore()
	eng, err := New(cfg, st, provider)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.Messages().Append(ctx, inbound(1, 1, 999, "我之前的回答")))

	_, err = eng.HandleMessage(ctx, inbound(1, 2, 201, "继续"))
	require.NoError(t, err)

	genReq := provider.Requests[1]
	require.GreaterOrEqual(t, len(genReq.Messages), 2)
	assert.Equal(t, llm.RoleAssistant, genReq.Messages[0].Role)
	assert.Equal(t, "我之前的回答", genReq.Messages[0].Content)
	assert.Equal(t, llm.RoleUser, genReq.Messages[1].Role)
}

func newCachedEngine(t *testing.T, provider llm.Provider) (*Engine, *mocks.MemStore, *mocks.FakeCacheService) {
	t.Helper()
	cacheSvc := mocks.NewFakeCacheService()
	st := mocks.NewMemStore()
	cfg := config.DefaultConfig()
	cfg.Cache.MinSizeTokens = 1
	eng, err := New(cfg, st, provider, WithCacheService(cacheSvc))
	require.NoError(t, err)
	return eng, st, cacheSvc
}

func TestHandleMessage_CacheMissKeepsInboundLive(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		classifyResponse("conversation", 80),
		mocks.TextResponse("好的，我看看"),
	)
	eng, st, cacheSvc := newCachedEngine(t, provider)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, st.Messages().Append(ctx, inbound(1, i, 201, "历史讨论内容")))
	}

	reply, err := eng.HandleMessage(ctx, inbound(1, 6, 202, "这个部署问题怎么解决"))
	require.NoError(t, err)
	assert.Equal(t, "好的，我看看", reply)

	// 缓存只覆盖触发消息之前的历史
	require.Len(t, cacheSvc.Creates(), 1)
	create := cacheSvc.Creates()[0]
	require.NotEmpty(t, create.Contents)
	for _, m := range create.Contents {
		assert.NotContains(t, m.Content, "这个部署问题怎么解决")
	}

	// 生成请求引用缓存，触发消息作为活跃内容发出
	require.Equal(t, 2, provider.CallCount())
	genReq := provider.Requests[1]
	assert.Equal(t, "cachedContents/fake-1", genReq.CachedContent)
	require.NotEmpty(t, genReq.Messages)
	assert.Contains(t, genReq.Messages[0].Content, "这个部署问题怎么解决")
}

func TestHandleMessage_CachedContentsCarryDurableMemory(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		classifyResponse("conversation", 80),
		mocks.TextResponse("ok"),
	)
	eng, st, cacheSvc := newCachedEngine(t, provider)
	ctx := context.Background()

	require.NoError(t, st.Conversations().Insert(ctx, &types.Conversation{
		ChatID: 1, ConversationID: 1,
		Title: "部署排障", Summary: "上次讨论过集群部署失败的原因", Weight: 6,
		MessageStartID: 1, MessageEndID: 3, Date: time.Now(),
	}))
	require.NoError(t, st.Persons().Upsert(ctx, &types.Person{ChatID: 1, UserID: 201, Username: "alice"}))
	require.NoError(t, st.Persons().AppendThought(ctx, 1, 201, types.PersonThought{Thought: "遇事靠谱", Weight: 7}))
	require.NoError(t, st.Persons().AppendFacts(ctx, 1, 201, []string{"负责运维"}))
	for i := int64(4); i <= 6; i++ {
		require.NoError(t, st.Messages().Append(ctx, inbound(1, i, 201, "历史讨论内容")))
	}

	_, err := eng.HandleMessage(ctx, inbound(1, 7, 201, "又挂了"))
	require.NoError(t, err)

	// 历史会话摘要与参与者档案进入缓存内容
	require.Len(t, cacheSvc.Creates(), 1)
	var joined strings.Builder
	for _, m := range cacheSvc.Creates()[0].Contents {
		joined.WriteString(m.Content)
	}
	assert.Contains(t, joined.String(), "上次讨论过集群部署失败的原因")
	assert.Contains(t, joined.String(), "alice")
	assert.Contains(t, joined.String(), "遇事靠谱")
	assert.Contains(t, joined.String(), "负责运维")
}

func TestHandleMessage_UncachedPromptCarriesDurableMemory(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		classifyResponse("conversation", 80),
		mocks.TextResponse("ok"),
	)
	eng, st := newTestEngine(t, provider)
	ctx := context.Background()

	require.NoError(t, st.Conversations().Insert(ctx, &types.Conversation{
		ChatID: 1, ConversationID: 1,
		Title: "部署排障", Summary: "上次讨论过集群部署失败的原因", Weight: 6,
		MessageStartID: 1, MessageEndID: 3, Date: time.Now(),
	}))
	require.NoError(t, st.Persons().Upsert(ctx, &types.Person{ChatID: 1, UserID: 201, Username: "alice"}))
	require.NoError(t, st.Persons().AppendFacts(ctx, 1, 201, []string{"负责运维"}))

	_, err := eng.HandleMessage(ctx, inbound(1, 10, 201, "又挂了"))
	require.NoError(t, err)

	genReq := provider.Requests[1]
	var joined strings.Builder
	for _, m := range genReq.Messages {
		joined.WriteString(m.Content)
	}
	assert.Contains(t, joined.String(), "上次讨论过集群部署失败的原因")
	assert.Contains(t, joined.String(), "负责运维")
	// 窗口消息排在记忆前言之后
	assert.Contains(t, genReq.Messages[len(genReq.Messages)-1].Content, "又挂了")
}

func TestWebSearchToggleGatesTool(t *testing.T) {
	registry := tools.NewRegistry(zap.NewNop())
	noop := func(ctx context.Context, chatID int64, args ...any) (string, error) { return "", nil }
	require.NoError(t, registry.Register("web_search", "网页搜索", nil, noop))
	require.NoError(t, registry.Register("calc", "计算器", nil, noop))

	provider := mocks.NewScriptedProvider()
	eng, _ := newTestEngine(t, provider, WithRegistry(registry))

	descs := eng.Registry().Resolve(1)
	codes := make([]string, 0, len(descs))
	for _, d := range descs {
		codes = append(codes, d.Code)
	}
	// 默认配置关闭网页搜索
	assert.Equal(t, []string{"calc"}, codes)
}

func TestTailAfter(t *testing.T) {
	msgs := []types.Message{{MessageID: 1}, {MessageID: 5}, {MessageID: 9}}
	assert.Len(t, tailAfter(msgs, 0), 3)
	assert.Len(t, tailAfter(msgs, 5), 1)
	assert.Nil(t, tailAfter(msgs, 9))
}
