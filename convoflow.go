// Package convoflow provides the top-level conversation engine: inbound
// messages are classified, answered through a cached context window and a
// tool-calling generation loop, while a background scheduler summarizes
// backlogs through provider batch jobs.
//
// Usage:
//
//	import "github.com/BaSui01/convoflow"
//
//	eng, err := convoflow.New(cfg, st, provider,
//	    convoflow.WithBucket(bucket),
//	    convoflow.WithRedis(rdb),
//	    convoflow.WithChatLister(lister))
//	reply, err := eng.HandleMessage(ctx, msg)
package convoflow

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/batchsum"
	"github.com/BaSui01/convoflow/config"
	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/promptcache"
	"github.com/BaSui01/convoflow/retry"
	"github.com/BaSui01/convoflow/segment"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/strategy"
	"github.com/BaSui01/convoflow/tokenizer"
	"github.com/BaSui01/convoflow/tools"
	"github.com/BaSui01/convoflow/types"
)

// Engine 聚合全部协作者的会话引擎。一次构建，无全局状态。
type Engine struct {
	cfg       *config.Config
	store     store.Store
	provider  llm.Provider
	registry  *tools.Registry
	segmenter *segment.Segmenter
	cache     *promptcache.Manager
	selector  *strategy.Selector
	orch      *orchestrator.Orchestrator
	pipeline  *batchsum.Pipeline
	scheduler *batchsum.Scheduler
	logger    *zap.Logger
}

// Option 配置 New 创建的引擎。
type Option func(*options)

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Collector
	registry   *tools.Registry
	catalog    []types.AnswerStrategy
	cacheSvc   llm.CacheService
	batchSvc   llm.BatchService
	bucket     objstore.Bucket
	rdb        redis.UniversalClient
	chatLister batchsum.ChatLister
}

// WithLogger 设置日志器，默认 zap.NewNop()。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics 设置指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithRegistry 设置工具注册表，默认空注册表。
func WithRegistry(r *tools.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithCatalog 设置应答策略目录。保留策略 conversation 与 ignore 缺失时自动补齐。
func WithCatalog(catalog []types.AnswerStrategy) Option {
	return func(o *options) { o.catalog = catalog }
}

// WithCacheService 设置缓存服务。缺省时若 provider 自身实现
// llm.CacheService 则直接使用，否则全程无缓存运行。
func WithCacheService(svc llm.CacheService) Option {
	return func(o *options) { o.cacheSvc = svc }
}

// WithBatchService 设置批量作业服务。缺省时若 provider 自身实现
// llm.BatchService 则直接使用。
func WithBatchService(svc llm.BatchService) Option {
	return func(o *options) { o.batchSvc = svc }
}

// WithBucket 设置批处理工件的对象存储。未设置时批量摘要不可用。
func WithBucket(b objstore.Bucket) Option {
	return func(o *options) { o.bucket = b }
}

// WithRedis 设置跨进程缓存创建锁的 Redis 客户端，可为 nil。
func WithRedis(rdb redis.UniversalClient) Option {
	return func(o *options) { o.rdb = rdb }
}

// WithChatLister 设置调度器的活跃 chat 枚举器。未设置时调度器不启动。
func WithChatLister(l batchsum.ChatLister) Option {
	return func(o *options) { o.chatLister = l }
}

// New 创建引擎。cfg、st、provider 为必需项，其余协作者按需注入。
func New(cfg *config.Config, st store.Store, provider llm.Provider, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("convoflow: config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("convoflow: store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("convoflow: provider is required")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := o.registry
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	if !cfg.Tools.WebSearchEnabled {
		registry.SetEnabledFunc(func(chatID int64, code string) bool {
			return code != "web_search"
		})
	}

	catalog := ensureReservedStrategies(o.catalog, cfg.Persona.SystemPrompt)

	counter := tokenizer.NewTiktokenCounter("")
	segmenter := segment.NewSegmenter(counter, logger)

	cacheSvc := o.cacheSvc
	if cacheSvc == nil {
		if svc, ok := provider.(llm.CacheService); ok {
			cacheSvc = svc
		}
	}
	var cacheMgr *promptcache.Manager
	if cacheSvc != nil {
		cacheMgr = promptcache.NewManager(cacheSvc, st.PromptCaches(), o.rdb, o.metrics, cfg.Cache, logger)
	}

	selector := strategy.NewSelector(provider, st.Messages(), catalog, cfg.Strategy, logger)

	retryer := retry.NewBackoffRetryer(cfg.Retry.Policy(), logger)
	orchCfg := cfg.Orchestrator
	orch := orchestrator.New(provider, registry, retryer, o.metrics, orchCfg, logger)

	eng := &Engine{
		cfg:       cfg,
		store:     st,
		provider:  provider,
		registry:  registry,
		segmenter: segmenter,
		cache:     cacheMgr,
		selector:  selector,
		orch:      orch,
		logger:    logger.With(zap.String("component", "engine")),
	}

	batchSvc := o.batchSvc
	if batchSvc == nil {
		if svc, ok := provider.(llm.BatchService); ok {
			batchSvc = svc
		}
	}
	if batchSvc != nil && o.bucket != nil {
		batchCfg := cfg.Batch
		batchCfg.BotHandle = cfg.Persona.BotHandle
		batchCfg.BotUserID = cfg.Persona.BotUserID
		eng.pipeline = batchsum.NewPipeline(st, o.bucket, batchSvc, segmenter, o.metrics, batchCfg, logger)
		if o.chatLister != nil {
			eng.scheduler = batchsum.NewScheduler(eng.pipeline, o.chatLister, cfg.Scheduler, logger)
		}
	}

	return eng, nil
}

// ensureReservedStrategies 补齐目录里缺失的保留策略。
func ensureReservedStrategies(catalog []types.AnswerStrategy, persona string) []types.AnswerStrategy {
	hasConversation, hasIgnore := false, false
	for _, st := range catalog {
		switch st.Code {
		case types.StrategyConversation:
			hasConversation = true
		case types.StrategyIgnore:
			hasIgnore = true
		}
	}
	out := make([]types.AnswerStrategy, 0, len(catalog)+2)
	out = append(out, catalog...)
	if !hasConversation {
		out = append(out, types.AnswerStrategy{
			Code:                      types.StrategyConversation,
			ClassificationDescription: "普通闲聊或没有更合适策略时的默认应答",
			ResponsePrompt:            persona,
			Quality:                   types.QualityRegular,
		})
	}
	if !hasIgnore {
		out = append(out, types.AnswerStrategy{
			Code:                      types.StrategyIgnore,
			ClassificationDescription: "与机器人无关、不需要回复的消息",
			Quality:                   types.QualityLow,
		})
	}
	return out
}

// Pipeline 返回批量摘要流水线，未配置时为 nil。
func (e *Engine) Pipeline() *batchsum.Pipeline { return e.pipeline }

// Registry 返回工具注册表，供启动阶段注册工具。
func (e *Engine) Registry() *tools.Registry { return e.registry }
