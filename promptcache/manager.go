// Package promptcache 管理供应商侧的显式 Prompt 缓存。
//
// 缓存键由 (chatID, quality, flavor, 工具名集合) 的 sha256 派生，
// 工具集变化自然让旧键失效。创建路径有两层并发保护：
// 进程内 singleflight 合并同键请求，可选的 Redis SET NX 锁
// 防止多实例重复创建。
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// Config 缓存管理配置。
type Config struct {
	// ExpiryMargin 过期前置余量，剩余有效期低于该值按未命中处理。
	ExpiryMargin time.Duration `yaml:"expiry_margin" json:"expiry_margin"`
	// MinSizeTokens 低于该 token 量的内容不值得缓存。
	MinSizeTokens int `yaml:"min_size_tokens" json:"min_size_tokens"`
	// TTL 按质量档的缓存生存期。
	TTL map[types.Quality]time.Duration `yaml:"ttl" json:"ttl"`
	// LockTTL Redis 创建锁的持有时间。
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	// LockRetryInterval 等待他人持锁时的重查间隔。
	LockRetryInterval time.Duration `yaml:"lock_retry_interval" json:"lock_retry_interval"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		ExpiryMargin:  5 * time.Minute,
		MinSizeTokens: 4096,
		TTL: map[types.Quality]time.Duration{
			types.QualityLow:      30 * time.Minute,
			types.QualityRegular:  time.Hour,
			types.QualityAdvanced: time.Hour,
		},
		LockTTL:           30 * time.Second,
		LockRetryInterval: 500 * time.Millisecond,
	}
}

// BuildResult 未命中时由调用方构建的缓存内容。
type BuildResult struct {
	Model             string
	SystemInstruction string
	Contents          []llm.Message
	Tools             []llm.ToolSchema
	StartMessageID    int64
	EndMessageID      int64
	SizeTokens        int
}

// BuildFunc 构建缓存内容。只在未命中且值得缓存判断前调用一次。
type BuildFunc func(ctx context.Context) (*BuildResult, error)

// Handle 缓存句柄。Name 为空表示本轮未走缓存，调用方退化为全量上下文。
type Handle struct {
	Name           string
	DisplayName    string
	Model          string
	ExpiresAt      time.Time
	StartMessageID int64
	EndMessageID   int64
}

// Cached 报告句柄是否指向一个活的供应商缓存。
func (h *Handle) Cached() bool { return h != nil && h.Name != "" }

// Manager 缓存管理器。
type Manager struct {
	cache   llm.CacheService
	records store.PromptCacheStore
	rdb     redis.UniversalClient // 可为 nil，退化为仅进程内 singleflight
	group   singleflight.Group
	metrics *metrics.Collector
	cfg     Config
	logger  *zap.Logger
}

// NewManager 创建管理器。rdb 与 collector 均可为 nil。
func NewManager(cache llm.CacheService, records store.PromptCacheStore, rdb redis.UniversalClient, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = 500 * time.Millisecond
	}
	return &Manager{
		cache:   cache,
		records: records,
		rdb:     rdb,
		metrics: collector,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "prompt_cache")),
	}
}

// Key 计算缓存键。工具名排序后参与散列，顺序无关。
func Key(chatID int64, quality types.Quality, flavor string, toolNames []string) string {
	names := make([]string, len(toolNames))
	copy(names, toolNames)
	sort.Strings(names)

	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", chatID, quality, flavor, strings.Join(names, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCreate 返回键对应的缓存句柄，未命中时构建并创建。
// 供应商创建失败不报错，返回未缓存句柄让调用方降级（§错误处理 d）。
func (m *Manager) GetOrCreate(ctx context.Context, chatID int64, quality types.Quality, flavor string, toolNames []string, build BuildFunc) (*Handle, error) {
	key := Key(chatID, quality, flavor, toolNames)

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.getOrCreate(ctx, key, chatID, quality, build)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) getOrCreate(ctx context.Context, key string, chatID int64, quality types.Quality, build BuildFunc) (*Handle, error) {
	if h := m.lookup(ctx, key); h != nil {
		if m.metrics != nil {
			m.metrics.RecordCacheHit(string(quality))
		}
		return h, nil
	}
	if m.metrics != nil {
		m.metrics.RecordCacheMiss(string(quality))
	}

	release, err := m.acquireLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}

	// 拿到锁后再查一次，其他实例可能已经创建
	if h := m.lookup(ctx, key); h != nil {
		return h, nil
	}

	result, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build cache contents: %w", err)
	}

	if result.SizeTokens < m.cfg.MinSizeTokens {
		m.logger.Debug("content below cache threshold",
			zap.String("key", key),
			zap.Int("tokens", result.SizeTokens),
			zap.Int("min", m.cfg.MinSizeTokens))
		return m.uncached(result), nil
	}

	ttl, ok := m.cfg.TTL[quality]
	if !ok || ttl <= 0 {
		ttl = time.Hour
	}

	handle, err := m.cache.CreateCache(ctx, &llm.CacheCreateRequest{
		Model:             result.Model,
		DisplayName:       key,
		SystemInstruction: result.SystemInstruction,
		Contents:          result.Contents,
		Tools:             result.Tools,
		TTL:               ttl,
	})
	if err != nil {
		// 缓存失败降级为无缓存调用，不中断生成
		m.logger.Warn("provider cache create failed, running uncached",
			zap.String("key", key), zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordCacheCreate(string(quality), "error")
		}
		return m.uncached(result), nil
	}
	if m.metrics != nil {
		m.metrics.RecordCacheCreate(string(quality), "ok")
	}

	rec := &types.PromptCacheRecord{
		ChatID:         chatID,
		DisplayName:    key,
		ProviderName:   handle.Name,
		Model:          handle.Model,
		ExpiresAt:      handle.ExpiresAt,
		StartMessageID: result.StartMessageID,
		EndMessageID:   result.EndMessageID,
		CreatedAt:      time.Now(),
	}
	if err := m.records.Insert(ctx, rec); err != nil {
		// 记录失败只影响下次命中，缓存本身可用
		m.logger.Warn("cache record insert failed", zap.String("key", key), zap.Error(err))
	}

	m.logger.Info("prompt cache created",
		zap.String("key", key),
		zap.Int64("chat_id", chatID),
		zap.String("provider_name", handle.Name),
		zap.Time("expires_at", handle.ExpiresAt))

	return &Handle{
		Name:           handle.Name,
		DisplayName:    key,
		Model:          handle.Model,
		ExpiresAt:      handle.ExpiresAt,
		StartMessageID: result.StartMessageID,
		EndMessageID:   result.EndMessageID,
	}, nil
}

func (m *Manager) uncached(result *BuildResult) *Handle {
	return &Handle{
		Model:          result.Model,
		StartMessageID: result.StartMessageID,
		EndMessageID:   result.EndMessageID,
	}
}

// lookup 查询仍然够用的缓存记录。剩余有效期不足余量的记录视为过期。
func (m *Manager) lookup(ctx context.Context, key string) *Handle {
	rec, err := m.records.FindLive(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.logger.Warn("cache record lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if time.Until(rec.ExpiresAt) < m.cfg.ExpiryMargin {
		return nil
	}
	return &Handle{
		Name:           rec.ProviderName,
		DisplayName:    rec.DisplayName,
		Model:          rec.Model,
		ExpiresAt:      rec.ExpiresAt,
		StartMessageID: rec.StartMessageID,
		EndMessageID:   rec.EndMessageID,
	}
}

// acquireLock 获取跨实例创建锁。未配置 Redis 时返回 (nil, nil)。
// 锁被他人持有时轮询等待，等待期间对方完成创建则复用其结果。
func (m *Manager) acquireLock(ctx context.Context, key string) (func(), error) {
	if m.rdb == nil {
		return nil, nil
	}
	lockKey := "convoflow:promptcache:lock:" + key
	deadline := time.Now().Add(m.cfg.LockTTL)

	for {
		ok, err := m.rdb.SetNX(ctx, lockKey, "1", m.cfg.LockTTL).Result()
		if err != nil {
			// Redis 故障退化为仅 singleflight 保护
			m.logger.Warn("cache lock unavailable", zap.String("key", key), zap.Error(err))
			return nil, nil
		}
		if ok {
			return func() {
				delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = m.rdb.Del(delCtx, lockKey).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, types.NewError(types.ErrCacheUnavailable,
				fmt.Sprintf("cache creation lock timed out for %s", key))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.LockRetryInterval):
		}
	}
}

// Delete 使键对应的缓存失效：记录软删除，供应商侧删除尽力而为。
func (m *Manager) Delete(ctx context.Context, key string) error {
	rec, err := m.records.FindLive(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find cache record: %w", err)
	}

	if err := m.records.SoftDelete(ctx, key); err != nil {
		return fmt.Errorf("soft delete cache record: %w", err)
	}

	if rec.ProviderName != "" {
		if err := m.cache.DeleteCache(ctx, rec.ProviderName); err != nil {
			// 供应商侧删除失败不致命，缓存会随 TTL 自然过期
			m.logger.Warn("provider cache delete failed",
				zap.String("key", key),
				zap.String("provider_name", rec.ProviderName),
				zap.Error(err))
		}
	}
	return nil
}
