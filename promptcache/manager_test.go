package promptcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// fakeCacheService 可编排的 CacheService。
type fakeCacheService struct {
	mu      sync.Mutex
	creates int
	deletes []string
	fail    bool
}

func (f *fakeCacheService) CreateCache(ctx context.Context, req *llm.CacheCreateRequest) (*llm.CachedContentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, types.NewError(types.ErrUpstreamError, "cache backend down")
	}
	f.creates++
	return &llm.CachedContentHandle{
		Name:        "cachedContents/fake-" + req.DisplayName[:8],
		DisplayName: req.DisplayName,
		Model:       req.Model,
		ExpiresAt:   time.Now().Add(req.TTL),
	}, nil
}

func (f *fakeCacheService) DeleteCache(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	return nil
}

func (f *fakeCacheService) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// memRecords 内存 PromptCacheStore。
type memRecords struct {
	mu   sync.Mutex
	recs []types.PromptCacheRecord
}

func (m *memRecords) FindLive(ctx context.Context, displayName string) (*types.PromptCacheRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].DisplayName == displayName && !m.recs[i].Deleted {
			rec := m.recs[i]
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRecords) Insert(ctx context.Context, rec *types.PromptCacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memRecords) SoftDelete(ctx context.Context, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].DisplayName == displayName {
			m.recs[i].Deleted = true
		}
	}
	return nil
}

func buildFixed(tokens int) BuildFunc {
	return func(ctx context.Context) (*BuildResult, error) {
		return &BuildResult{
			Model:          "gemini-2.5-flash",
			Contents:       []llm.Message{{Role: llm.RoleUser, Content: "history"}},
			StartMessageID: 1,
			EndMessageID:   100,
			SizeTokens:     tokens,
		}, nil
	}
}

func TestKey(t *testing.T) {
	k1 := Key(1, types.QualityRegular, "conversation", []string{"b", "a"})
	k2 := Key(1, types.QualityRegular, "conversation", []string{"a", "b"})
	assert.Equal(t, k1, k2, "工具名顺序不影响键")

	assert.NotEqual(t, k1, Key(2, types.QualityRegular, "conversation", []string{"a", "b"}))
	assert.NotEqual(t, k1, Key(1, types.QualityLow, "conversation", []string{"a", "b"}))
	assert.NotEqual(t, k1, Key(1, types.QualityRegular, "other", []string{"a", "b"}))
	assert.NotEqual(t, k1, Key(1, types.QualityRegular, "conversation", []string{"a"}))
	assert.Len(t, k1, 64)
}

func TestGetOrCreate_MissThenHit(t *testing.T) {
	svc := &fakeCacheService{}
	recs := &memRecords{}
	m := NewManager(svc, recs, nil, nil, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	var builds atomic.Int32
	build := func(ctx context.Context) (*BuildResult, error) {
		builds.Add(1)
		return buildFixed(10000)(ctx)
	}

	h1, err := m.GetOrCreate(ctx, 1, types.QualityRegular, "conversation", []string{"web_search"}, build)
	require.NoError(t, err)
	assert.True(t, h1.Cached())
	assert.Equal(t, int64(100), h1.EndMessageID)
	assert.Equal(t, 1, svc.createCount())
	assert.Equal(t, int32(1), builds.Load())

	// 第二次命中，不再构建
	h2, err := m.GetOrCreate(ctx, 1, types.QualityRegular, "conversation", []string{"web_search"}, build)
	require.NoError(t, err)
	assert.Equal(t, h1.Name, h2.Name)
	assert.Equal(t, 1, svc.createCount())
	assert.Equal(t, int32(1), builds.Load())
}

func TestGetOrCreate_BelowThresholdSkipsCaching(t *testing.T) {
	svc := &fakeCacheService{}
	m := NewManager(svc, &memRecords{}, nil, nil, DefaultConfig(), zap.NewNop())

	h, err := m.GetOrCreate(context.Background(), 1, types.QualityRegular, "conversation", nil, buildFixed(100))
	require.NoError(t, err)
	assert.False(t, h.Cached())
	assert.Zero(t, svc.createCount())
}

func TestGetOrCreate_ProviderFailureDegradesToUncached(t *testing.T) {
	svc := &fakeCacheService{fail: true}
	m := NewManager(svc, &memRecords{}, nil, nil, DefaultConfig(), zap.NewNop())

	h, err := m.GetOrCreate(context.Background(), 1, types.QualityRegular, "conversation", nil, buildFixed(10000))
	require.NoError(t, err)
	assert.False(t, h.Cached())
}

func TestGetOrCreate_ExpiringRecordIsRebuilt(t *testing.T) {
	svc := &fakeCacheService{}
	recs := &memRecords{}
	cfg := DefaultConfig()
	m := NewManager(svc, recs, nil, nil, cfg, zap.NewNop())
	ctx := context.Background()

	key := Key(1, types.QualityRegular, "conversation", nil)
	// 剩余有效期低于余量的旧记录
	require.NoError(t, recs.Insert(ctx, &types.PromptCacheRecord{
		ChatID:       1,
		DisplayName:  key,
		ProviderName: "cachedContents/stale",
		ExpiresAt:    time.Now().Add(time.Minute),
		CreatedAt:    time.Now().Add(-time.Hour),
	}))

	h, err := m.GetOrCreate(ctx, 1, types.QualityRegular, "conversation", nil, buildFixed(10000))
	require.NoError(t, err)
	assert.True(t, h.Cached())
	assert.NotEqual(t, "cachedContents/stale", h.Name)
	assert.Equal(t, 1, svc.createCount())
}

func TestGetOrCreate_ConcurrentMissesConverge(t *testing.T) {
	svc := &fakeCacheService{}
	m := NewManager(svc, &memRecords{}, nil, nil, DefaultConfig(), zap.NewNop())

	var builds atomic.Int32
	build := func(ctx context.Context) (*BuildResult, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return buildFixed(10000)(ctx)
	}

	const n = 8
	var wg sync.WaitGroup
	names := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.GetOrCreate(context.Background(), 1, types.QualityRegular, "conversation", nil, build)
			if assert.NoError(t, err) {
				names[i] = h.Name
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load(), "并发未命中只构建一次")
	assert.Equal(t, 1, svc.createCount())
	for i := 1; i < n; i++ {
		assert.Equal(t, names[0], names[i])
	}
}

func TestGetOrCreate_RedisLockHeldElsewhereTimesOut(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.LockTTL = 50 * time.Millisecond
	cfg.LockRetryInterval = 10 * time.Millisecond
	m := NewManager(&fakeCacheService{}, &memRecords{}, rdb, nil, cfg, zap.NewNop())

	key := Key(1, types.QualityRegular, "conversation", nil)
	require.NoError(t, mr.Set("convoflow:promptcache:lock:"+key, "other-instance"))

	_, err := m.GetOrCreate(context.Background(), 1, types.QualityRegular, "conversation", nil, buildFixed(10000))
	require.Error(t, err)
	assert.Equal(t, types.ErrCacheUnavailable, types.GetErrorCode(err))
}

func TestGetOrCreate_RedisLockAcquiredAndReleased(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := NewManager(&fakeCacheService{}, &memRecords{}, rdb, nil, DefaultConfig(), zap.NewNop())

	h, err := m.GetOrCreate(context.Background(), 1, types.QualityRegular, "conversation", nil, buildFixed(10000))
	require.NoError(t, err)
	assert.True(t, h.Cached())

	key := Key(1, types.QualityRegular, "conversation", nil)
	assert.False(t, mr.Exists("convoflow:promptcache:lock:"+key), "创建完成后锁被释放")
}

func TestDelete(t *testing.T) {
	svc := &fakeCacheService{}
	recs := &memRecords{}
	m := NewManager(svc, recs, nil, nil, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	h, err := m.GetOrCreate(ctx, 1, types.QualityRegular, "conversation", nil, buildFixed(10000))
	require.NoError(t, err)
	require.True(t, h.Cached())

	key := Key(1, types.QualityRegular, "conversation", nil)
	require.NoError(t, m.Delete(ctx, key))
	assert.Equal(t, []string{h.Name}, svc.deletes)

	// 记录已软删，后续查询未命中
	_, err = recs.FindLive(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// 再删幂等
	require.NoError(t, m.Delete(ctx, key))
	assert.Len(t, svc.deletes, 1)
}

func TestDelete_StoreErrorPropagates(t *testing.T) {
	m := NewManager(&fakeCacheService{}, failingRecords{}, nil, nil, DefaultConfig(), zap.NewNop())
	err := m.Delete(context.Background(), "some-key")
	require.Error(t, err)
}

type failingRecords struct{}

func (failingRecords) FindLive(ctx context.Context, displayName string) (*types.PromptCacheRecord, error) {
	return nil, errors.New("db down")
}
func (failingRecords) Insert(ctx context.Context, rec *types.PromptCacheRecord) error {
	return errors.New("db down")
}
func (failingRecords) SoftDelete(ctx context.Context, displayName string) error {
	return errors.New("db down")
}
