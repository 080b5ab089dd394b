// Package batchsum 批量摘要流水线。
//
// 把积压的群聊消息切成会话片段，打包成 JSONL 交给供应商的异步
// 批处理接口，产出结构化的会话摘要与参与者印象，再幂等地摄取回
// 文档存储。作业状态机：
// SCANNED → PREPARED → SUBMITTED → QUEUED/RUNNING → SUCCEEDED | FAILED | CANCELLED | EXPIRED。
package batchsum

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/segment"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// Config 流水线配置。
type Config struct {
	// Model 摘要使用的模型。
	Model string `yaml:"model" json:"model"`
	// TokenBudget 单个会话片段的 token 预算。
	TokenBudget int `yaml:"token_budget" json:"token_budget"`
	// MinGapFloor 低于该时长的间隔不作为切分候选。
	MinGapFloor time.Duration `yaml:"min_gap_floor" json:"min_gap_floor"`
	// ScanLimit 一次 Prepare 最多扫描的消息数。
	ScanLimit int `yaml:"scan_limit" json:"scan_limit"`
	// MinBacklog 积压少于该消息数时不起作业。
	MinBacklog int `yaml:"min_backlog" json:"min_backlog"`
	// MaxJobAge 超过该时长仍未终态的作业按失败处理。
	MaxJobAge time.Duration `yaml:"max_job_age" json:"max_job_age"`
	// BotHandle 输出中代表机器人自己的保留句柄。
	BotHandle string `yaml:"bot_handle" json:"bot_handle"`
	// BotUserID 机器人的用户 ID。
	BotUserID int64 `yaml:"bot_user_id" json:"bot_user_id"`
	// URIFor 把对象键映射为供应商可读的位置，如 gs:// 地址。
	// 为空时原样使用对象键。
	URIFor func(key string) string `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Model:       "gemini-2.5-flash",
		TokenBudget: 500_000,
		MinGapFloor: time.Minute,
		ScanLimit:   5000,
		MinBacklog:  200,
		MaxJobAge:   48 * time.Hour,
		BotHandle:   "bot",
	}
}

// Pipeline 批量摘要流水线。
type Pipeline struct {
	store     store.Store
	bucket    objstore.Bucket
	batch     llm.BatchService
	segmenter *segment.Segmenter
	metrics   *metrics.Collector
	cfg       Config
	logger    *zap.Logger
}

// NewPipeline 创建流水线。collector 可为 nil。
func NewPipeline(st store.Store, bucket objstore.Bucket, batch llm.BatchService, seg *segment.Segmenter, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 500_000
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 5000
	}
	if cfg.MaxJobAge <= 0 {
		cfg.MaxJobAge = 48 * time.Hour
	}
	if cfg.BotHandle == "" {
		cfg.BotHandle = "bot"
	}
	if cfg.URIFor == nil {
		cfg.URIFor = func(key string) string { return key }
	}
	return &Pipeline{
		store:     st,
		bucket:    bucket,
		batch:     batch,
		segmenter: seg,
		metrics:   collector,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "batchsum")),
	}
}

// Poll 刷新单个作业：进行中不动，成功触发摄取，失败类终态落库记日志。
// 超龄未完成的作业直接置为 FAILED。
func (p *Pipeline) Poll(ctx context.Context, job *types.BatchJob) error {
	if job.Processed {
		return nil
	}
	if job.Job == nil {
		return fmt.Errorf("job %d/%d has no provider submission", job.ChatID, job.ID)
	}

	if p.cfg.MaxJobAge > 0 && time.Since(job.CreatedAt) > p.cfg.MaxJobAge && !job.State().Terminal() {
		p.logger.Warn("batch job exceeded max age, marking failed",
			zap.Int64("chat_id", job.ChatID),
			zap.Int64("job_id", job.ID),
			zap.Duration("age", time.Since(job.CreatedAt)))
		job.Job.State = types.BatchStateFailed
		if p.metrics != nil {
			p.metrics.RecordBatchJob(string(types.BatchStateFailed))
		}
		return p.store.BatchJobs().Update(ctx, job)
	}

	handle, err := p.batch.PollBatch(ctx, job.Job.ProviderName)
	if err != nil {
		return fmt.Errorf("poll batch %s: %w", job.Job.ProviderName, err)
	}

	prev := job.State()
	job.Job.State = handle.State
	job.Job.StartedAt = handle.StartedAt
	job.Job.CompletedAt = handle.CompletedAt

	if prev != handle.State {
		p.logger.Info("batch job state changed",
			zap.Int64("chat_id", job.ChatID),
			zap.Int64("job_id", job.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(handle.State)))
	}

	switch {
	case handle.State == types.BatchStateSucceeded:
		if err := p.ingest(ctx, job); err != nil {
			return err
		}
	case handle.State.Terminal():
		// 失败不自动重试，留给人工或下一轮 Prepare 重新覆盖
		p.logger.Warn("batch job ended without output",
			zap.Int64("chat_id", job.ChatID),
			zap.Int64("job_id", job.ID),
			zap.String("state", string(handle.State)))
		if p.metrics != nil {
			p.metrics.RecordBatchJob(string(handle.State))
		}
	}

	return p.store.BatchJobs().Update(ctx, job)
}
