package batchsum

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig 调度配置。
type SchedulerConfig struct {
	// Interval 轮询周期，分钟级。
	Interval time.Duration `yaml:"interval" json:"interval"`
	// PrepareEnabled 是否在轮询周期里顺带扫描积压起新作业。
	PrepareEnabled bool `yaml:"prepare_enabled" json:"prepare_enabled"`
	// MaxConcurrency 同时处理的会话数上限。
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// DefaultSchedulerConfig 返回默认配置。
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:       5 * time.Minute,
		PrepareEnabled: true,
		MaxConcurrency: 8,
	}
}

// ChatLister 提供当前活跃会话列表。
type ChatLister interface {
	ListChats(ctx context.Context) ([]int64, error)
}

// ChatListerFunc 函数适配器。
type ChatListerFunc func(ctx context.Context) ([]int64, error)

func (f ChatListerFunc) ListChats(ctx context.Context) ([]int64, error) { return f(ctx) }

// Scheduler 周期性驱动流水线：每个会话并行地轮询未完作业并按需起新作业。
type Scheduler struct {
	pipeline *Pipeline
	chats    ChatLister
	cfg      SchedulerConfig
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler 创建调度器。
func NewScheduler(pipeline *Pipeline, chats ChatLister, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Scheduler{
		pipeline: pipeline,
		chats:    chats,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "batchsum_scheduler")),
	}
}

// Start 启动后台循环。重复调用无效果。
func (s *Scheduler) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
}

// Stop 停止循环并等待在途工作结束。
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}

// Tick 跑一轮调度。各会话并行，单会话内串行保证幂等。
func (s *Scheduler) Tick(ctx context.Context) {
	chatIDs, err := s.chats.ListChats(ctx)
	if err != nil {
		s.logger.Warn("chat listing failed", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, chatID := range chatIDs {
		chatID := chatID
		g.Go(func() error {
			s.tickChat(gctx, chatID)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) tickChat(ctx context.Context, chatID int64) {
	jobs, err := s.pipeline.store.BatchJobs().ListPending(ctx, chatID)
	if err != nil {
		s.logger.Warn("pending job listing failed",
			zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	for i := range jobs {
		job := jobs[i]
		if job.Job == nil {
			// 提交中断的残留行，等 Prepare 水位自然跳过
			continue
		}
		if err := s.pipeline.Poll(ctx, &job); err != nil {
			s.logger.Warn("job poll failed",
				zap.Int64("chat_id", chatID),
				zap.Int64("job_id", job.ID),
				zap.Error(err))
		}
	}

	if s.cfg.PrepareEnabled {
		if _, err := s.pipeline.Prepare(ctx, chatID); err != nil {
			s.logger.Warn("prepare failed",
				zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}
