package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
type Collector struct {
	// 模型调用指标
	modelRequestsTotal   *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec
	modelTokensUsed      *prometheus.CounterVec

	// 工具指标
	toolInvocationsTotal   *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec

	// Prompt 缓存指标
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheCreates *prometheus.CounterVec

	// 上下文切分指标
	segmentSize *prometheus.HistogramVec

	// 批处理指标
	batchJobsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.modelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Total number of model generation requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.modelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Model generation request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	c.modelTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_used_total",
			Help:      "Total number of tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: prompt, cached, completion
	)

	c.toolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	c.toolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_invocation_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_cache_hits_total",
			Help:      "Total number of prompt cache hits",
		},
		[]string{"quality"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_cache_misses_total",
			Help:      "Total number of prompt cache misses",
		},
		[]string{"quality"},
	)

	c.cacheCreates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_cache_creates_total",
			Help:      "Total number of provider cache creations",
		},
		[]string{"quality", "status"},
	)

	c.segmentSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_segment_tokens",
			Help:      "Token size of selected context segments",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 14),
		},
		[]string{"kind"}, // kind: window, batch
	)

	c.batchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_total",
			Help:      "Total number of batch summarization jobs by terminal state",
		},
		[]string{"state"},
	)

	return c
}

// RecordModelRequest 记录一次模型调用
func (c *Collector) RecordModelRequest(provider, model, status string, duration time.Duration, promptTokens, cachedTokens, completionTokens int) {
	c.modelRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.modelRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.modelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.modelTokensUsed.WithLabelValues(provider, model, "cached").Add(float64(cachedTokens))
	c.modelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordToolInvocation 记录一次工具调用
func (c *Collector) RecordToolInvocation(tool, status string, duration time.Duration) {
	c.toolInvocationsTotal.WithLabelValues(tool, status).Inc()
	c.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(quality string) {
	c.cacheHits.WithLabelValues(quality).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(quality string) {
	c.cacheMisses.WithLabelValues(quality).Inc()
}

// RecordCacheCreate 记录供应商缓存创建
func (c *Collector) RecordCacheCreate(quality, status string) {
	c.cacheCreates.WithLabelValues(quality, status).Inc()
}

// RecordSegmentSize 记录上下文分段大小
func (c *Collector) RecordSegmentSize(kind string, tokens int) {
	c.segmentSize.WithLabelValues(kind).Observe(float64(tokens))
}

// RecordBatchJob 记录批处理作业终态
func (c *Collector) RecordBatchJob(state string) {
	c.batchJobsTotal.WithLabelValues(state).Inc()
}
