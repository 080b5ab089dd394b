package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestMessageStore_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Messages().Append(ctx, &types.Message{
			ChatID:    100,
			MessageID: i,
			UserID:    200 + i,
			Text:      "hello",
			Date:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := s.Messages().ListRange(ctx, 100, 2, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(2), msgs[0].MessageID)
	assert.Equal(t, int64(4), msgs[2].MessageID)

	msgs, err = s.Messages().ListAfter(ctx, 100, 3, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].MessageID)

	msgs, err = s.Messages().ListRecent(ctx, 100, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// 升序返回
	assert.Equal(t, int64(4), msgs[0].MessageID)
	assert.Equal(t, int64(5), msgs[1].MessageID)
}

func TestMessageStore_MarkConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, s.Messages().Append(ctx, &types.Message{
			ChatID: 7, MessageID: i, Date: time.Now(),
		}))
	}

	n, err := s.Messages().MarkConversation(ctx, 7, 2, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 幂等：重复标记不增加集合
	n, err = s.Messages().MarkConversation(ctx, 7, 2, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	msgs, err := s.Messages().ListRange(ctx, 7, 2, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []int64{42}, msgs[0].ConversationIDs)
}

func TestConversationStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Conversations().Insert(ctx, &types.Conversation{
			ChatID:         9,
			ConversationID: i,
			Title:          "t",
			MessageStartID: i * 10,
			MessageEndID:   i*10 + 5,
			Date:           time.Now(),
		}))
	}

	convs, err := s.Conversations().ListRecent(ctx, 9, 2)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, int64(2), convs[0].ConversationID)
	assert.Equal(t, int64(3), convs[1].ConversationID)

	n, err := s.Conversations().CountInRange(ctx, 9, 12, 18)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Conversations().CountInRange(ctx, 9, 100, 200)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersonStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Persons().Get(ctx, 1, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Persons().Upsert(ctx, &types.Person{ChatID: 1, UserID: 2, Username: "alice"}))
	p, err := s.Persons().Get(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	// Upsert 不触碰 Thoughts / Facts
	require.NoError(t, s.Persons().AppendThought(ctx, 1, 2, types.PersonThought{
		Thought: "likes go", Weight: 5, Date: time.Now(),
	}))
	require.NoError(t, s.Persons().AppendFacts(ctx, 1, 2, []string{"works remotely"}))
	require.NoError(t, s.Persons().Upsert(ctx, &types.Person{ChatID: 1, UserID: 2, Username: "alice2"}))

	p, err = s.Persons().Get(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "alice2", p.Username)
	require.Len(t, p.Thoughts, 1)
	assert.Equal(t, "likes go", p.Thoughts[0].Thought)
	assert.Equal(t, []string{"works remotely"}, p.Facts)

	byName, err := s.Persons().FindByUsername(ctx, 1, "alice2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), byName.UserID)

	// AppendThought 对未知用户自动建档
	require.NoError(t, s.Persons().AppendThought(ctx, 1, 3, types.PersonThought{Thought: "new", Weight: 1}))
	all, err := s.Persons().List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPromptCacheStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PromptCaches().FindLive(ctx, "key-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.PromptCaches().Insert(ctx, &types.PromptCacheRecord{
		ChatID:      5,
		DisplayName: "key-1",
		Model:       "gemini-2.0-flash",
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
	}))

	rec, err := s.PromptCaches().FindLive(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", rec.Model)

	require.NoError(t, s.PromptCaches().SoftDelete(ctx, "key-1"))
	_, err = s.PromptCaches().FindLive(ctx, "key-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// 软删除幂等
	require.NoError(t, s.PromptCaches().SoftDelete(ctx, "key-1"))
}

func TestBatchJobStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.BatchJob{
		ID:             1,
		ChatID:         3,
		InputLocation:  "gs://bucket/3/batch-1-input.jsonl",
		OutputLocation: "gs://bucket/3/batch-1-output/",
		Job: &types.ProviderJob{
			ProviderName: "batches/abc",
			State:        types.BatchStateSubmitted,
		},
		StartMessageID: 10,
		EndMessageID:   50,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.BatchJobs().Insert(ctx, job))

	got, err := s.BatchJobs().Get(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStateSubmitted, got.State())
	assert.Equal(t, "batches/abc", got.Job.ProviderName)

	job.Job.State = types.BatchStateSucceeded
	require.NoError(t, s.BatchJobs().Update(ctx, job))
	got, err = s.BatchJobs().Get(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStateSucceeded, got.State())

	// 成功但未摄取的任务仍然 pending
	pending, err := s.BatchJobs().ListPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	job.Processed = true
	require.NoError(t, s.BatchJobs().Update(ctx, job))
	pending, err = s.BatchJobs().ListPending(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)

	maxID, err := s.BatchJobs().MaxEndMessageID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(50), maxID)

	maxID, err = s.BatchJobs().MaxEndMessageID(ctx, 999)
	require.NoError(t, err)
	assert.Zero(t, maxID)

	err = s.BatchJobs().Update(ctx, &types.BatchJob{ID: 99, ChatID: 3})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Sequences().Next(ctx, 1, store.SeqConversation)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	// 序号按 (chat, name) 独立
	got, err := s.Sequences().Next(ctx, 1, store.SeqBatchJob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = s.Sequences().Next(ctx, 2, store.SeqConversation)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}
