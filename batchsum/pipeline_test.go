package batchsum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/segment"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/testutil/mocks"
	"github.com/BaSui01/convoflow/types"
)

type fixedCounter struct{}

func (fixedCounter) CountTokens(text string) int { return len(text) }

type fixture struct {
	store    *mocks.MemStore
	bucket   *objstore.MemoryBucket
	batch    *mocks.FakeBatchService
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := mocks.NewMemStore()
	bucket := objstore.NewMemoryBucket()
	batch := mocks.NewFakeBatchService()
	seg := segment.NewSegmenter(fixedCounter{}, zap.NewNop())
	return &fixture{
		store:    st,
		bucket:   bucket,
		batch:    batch,
		pipeline: NewPipeline(st, bucket, batch, seg, nil, cfg, zap.NewNop()),
	}
}

func seedMessages(t *testing.T, f *fixture, chatID, fromID, toID int64) {
	t.Helper()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for id := fromID; id <= toID; id++ {
		require.NoError(t, f.store.Messages().Append(context.Background(), &types.Message{
			ChatID:    chatID,
			MessageID: id,
			UserID:    200 + id%3,
			Text:      "message text",
			Date:      base.Add(time.Duration(id) * time.Minute),
		}))
	}
}

func TestPrepare_BacklogBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBacklog = 50
	f := newFixture(t, cfg)
	seedMessages(t, f, 1, 1, 10)

	job, err := f.pipeline.Prepare(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Empty(t, f.batch.Submits())
}

func TestPrepare_SubmitsJobWithArtifacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBacklog = 10
	f := newFixture(t, cfg)
	seedMessages(t, f, 1, 1, 30)
	ctx := context.Background()

	job, err := f.pipeline.Prepare(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, int64(1), job.StartMessageID)
	assert.Equal(t, int64(30), job.EndMessageID)
	assert.Equal(t, types.BatchStateQueued, job.State())
	assert.Equal(t, "1/batch-1-input.jsonl", job.InputLocation)
	assert.Equal(t, "1/batch-1-output/", job.OutputLocation)

	// 输入工件是合法 JSONL，每行带结构化输出约束
	rc, err := f.bucket.Download(ctx, "1/batch-1-input.jsonl")
	require.NoError(t, err)
	defer rc.Close()
	scanner := bufio.NewScanner(rc)
	lines := 0
	for scanner.Scan() {
		lines++
		var line batchLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		assert.Equal(t, "application/json", line.Request.GenerationConfig.ResponseMimeType)
		assert.NotEmpty(t, line.Request.Contents)
	}
	assert.Greater(t, lines, 0)

	submits := f.batch.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, "batch-1", submits[0].DisplayName)

	// 落库的行带供应商作业名
	stored, err := f.store.BatchJobs().Get(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, stored.Job)
	assert.Equal(t, "batches/fake-batch-1", stored.Job.ProviderName)
}

func TestPrepare_WatermarkExcludesCoveredMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBacklog = 10
	f := newFixture(t, cfg)
	seedMessages(t, f, 1, 1, 60)
	ctx := context.Background()

	job1, err := f.pipeline.Prepare(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job1)
	assert.Equal(t, int64(60), job1.EndMessageID)

	// 全部已被上一个作业覆盖，不再起新作业
	job2, err := f.pipeline.Prepare(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, job2)

	// 新积压从水位之后开始
	seedMessages(t, f, 1, 61, 90)
	job3, err := f.pipeline.Prepare(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job3)
	assert.Equal(t, int64(61), job3.StartMessageID)
	assert.Equal(t, int64(90), job3.EndMessageID)
}

func TestPoll_InProgressIsNoOp(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	job := &types.BatchJob{
		ID: 1, ChatID: 1, CreatedAt: time.Now(),
		Job: &types.ProviderJob{ProviderName: "batches/x", State: types.BatchStateQueued},
	}
	require.NoError(t, f.store.BatchJobs().Insert(ctx, job))
	f.batch.States["batches/x"] = []types.BatchState{types.BatchStateRunning}

	require.NoError(t, f.pipeline.Poll(ctx, job))
	assert.Equal(t, types.BatchStateRunning, job.State())
	assert.False(t, job.Processed)
}

func TestPoll_StaleJobMarkedFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxJobAge = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	job := &types.BatchJob{
		ID: 1, ChatID: 1, CreatedAt: time.Now().Add(-2 * time.Hour),
		Job: &types.ProviderJob{ProviderName: "batches/x", State: types.BatchStateRunning},
	}
	require.NoError(t, f.store.BatchJobs().Insert(ctx, job))

	require.NoError(t, f.pipeline.Poll(ctx, job))
	assert.Equal(t, types.BatchStateFailed, job.State())

	stored, err := f.store.BatchJobs().Get(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStateFailed, stored.State())
}

// outputFor 构造一条供应商输出行。
func outputFor(key string, result summaryResult) string {
	text, _ := json.Marshal(result)
	line := map[string]any{
		"key": key,
		"response": map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"parts": []any{map[string]any{"text": string(text)}},
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(line)
	return string(raw)
}

func succeededJob(t *testing.T, f *fixture, chatID int64, output ...string) *types.BatchJob {
	t.Helper()
	ctx := context.Background()
	job := &types.BatchJob{
		ID: 1, ChatID: chatID, CreatedAt: time.Now(),
		StartMessageID: 100, EndMessageID: 200,
		InputLocation:  "1/batch-1-input.jsonl",
		OutputLocation: "1/batch-1-output/",
		Job:            &types.ProviderJob{ProviderName: "batches/x", State: types.BatchStateRunning},
	}
	require.NoError(t, f.store.BatchJobs().Insert(ctx, job))
	require.NoError(t, f.bucket.Upload(ctx, "1/batch-1-input.jsonl", strings.NewReader("input")))
	require.NoError(t, f.bucket.Upload(ctx, "1/batch-1-output/predictions.jsonl",
		strings.NewReader(strings.Join(output, "\n"))))
	f.batch.States["batches/x"] = []types.BatchState{types.BatchStateSucceeded}
	return job
}

func TestIngest_TwoSegments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BotUserID = 999
	f := newFixture(t, cfg)
	ctx := context.Background()

	// 已知参与者
	require.NoError(t, f.store.Persons().Upsert(ctx, &types.Person{ChatID: 1, UserID: 201, Username: "alice"}))

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for id := int64(100); id <= 200; id++ {
		require.NoError(t, f.store.Messages().Append(ctx, &types.Message{
			ChatID: 1, MessageID: id, UserID: 201,
			Text: "m", Date: base.Add(time.Duration(id-100) * time.Minute),
		}))
	}

	job := succeededJob(t, f, 1,
		outputFor("segment-1", summaryResult{
			Title: "first", Summary: "first summary", Weight: 8,
			MessageStart: 100, MessageEnd: 150,
			Participants: []participantResult{
				{Handle: "alice", Weight: 9, Attitude: attitudeResult{7, 8, 6, 5, 7}, Facts: []string{"likes go"}},
				{Handle: "bot", Weight: 3, Attitude: attitudeResult{5, 5, 5, 5, 5}},
			},
		}),
		outputFor("segment-2", summaryResult{
			Title: "second", Summary: "second summary", Weight: 5,
			MessageStart: 151, MessageEnd: 200,
			Participants: []participantResult{
				{Handle: "id:202", Weight: 4, Attitude: attitudeResult{15, 0, 5, 5, 5}},
				{Handle: "nobody_known", Weight: 2, Attitude: attitudeResult{5, 5, 5, 5, 5}},
			},
		}),
	)

	require.NoError(t, f.pipeline.Poll(ctx, job))
	assert.True(t, job.Processed)

	convs, err := f.store.Conversations().ListRecent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "first", convs[0].Title)
	assert.Equal(t, []int64{201, 999}, convs[0].ParticipantIDs)
	assert.Equal(t, "second", convs[1].Title)
	// 未知句柄被丢弃
	assert.Equal(t, []int64{202}, convs[1].ParticipantIDs)

	// 会话时间 = 首尾中点取整到 15 分钟
	mid := base.Add(25 * time.Minute).Round(15 * time.Minute)
	assert.Equal(t, mid, convs[0].Date)

	// 101 条消息被标记
	var marked int
	msgs, err := f.store.Messages().ListRange(ctx, 1, 100, 200)
	require.NoError(t, err)
	for _, m := range msgs {
		if len(m.ConversationIDs) > 0 {
			marked++
		}
	}
	assert.Equal(t, 101, marked)

	// 印象权重 = clamp(round(8/10*9)) = 7，态度因子俱全且被钳位
	alice, err := f.store.Persons().Get(ctx, 1, 201)
	require.NoError(t, err)
	require.Len(t, alice.Thoughts, 1)
	assert.Equal(t, 7, alice.Thoughts[0].Weight)
	require.Len(t, alice.Thoughts[0].Factors, 5)
	assert.Equal(t, []string{"likes go"}, alice.Facts)
	// 印象主题取会话标题，好感偏移 = round(mean({7,8,6,5,7}) - 5) = 2
	assert.Equal(t, "first", alice.Thoughts[0].Thought)
	assert.Equal(t, 2, alice.Thoughts[0].OpinionModifier)

	anon, err := f.store.Persons().Get(ctx, 1, 202)
	require.NoError(t, err)
	require.Len(t, anon.Thoughts, 1)
	// 15 与 0 被钳到 [1,10]
	assert.Equal(t, 10, anon.Thoughts[0].Factors[0].Value)
	assert.Equal(t, 1, anon.Thoughts[0].Factors[1].Value)

	// 机器人自己不留印象
	_, err = f.store.Persons().Get(ctx, 1, 999)
	assert.Error(t, err)

	// 干净摄取后工件被清理
	assert.Equal(t, 0, f.bucket.Len())
}

func TestIngest_Idempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	seedMessages(t, f, 1, 100, 200)

	job := succeededJob(t, f, 1, outputFor("segment-1", summaryResult{
		Title: "t", Summary: "s", Weight: 5,
		MessageStart: 100, MessageEnd: 200,
		Participants: []participantResult{
			{Handle: "id:201", Weight: 5, Attitude: attitudeResult{5, 5, 5, 5, 5}},
		},
	}))

	require.NoError(t, f.pipeline.Poll(ctx, job))
	require.True(t, job.Processed)

	convs, err := f.store.Conversations().ListRecent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	// 再轮询同一作业：无新增
	require.NoError(t, f.pipeline.Poll(ctx, job))
	convs, err = f.store.Conversations().ListRecent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestIngest_ResumesAfterPartialFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	seedMessages(t, f, 1, 100, 200)
	require.NoError(t, f.store.Persons().Upsert(ctx, &types.Person{ChatID: 1, UserID: 201, Username: "alice"}))

	// 模拟上次摄取在第一行之后中断：会话已落库，作业仍未标记完成
	firstID, err := f.store.Sequences().Next(ctx, 1, store.SeqConversation)
	require.NoError(t, err)
	require.NoError(t, f.store.Conversations().Insert(ctx, &types.Conversation{
		ChatID: 1, ConversationID: firstID,
		Title: "first", Summary: "first summary", Weight: 8,
		MessageStartID: 100, MessageEndID: 150,
		ParticipantIDs: []int64{201},
	}))

	job := succeededJob(t, f, 1,
		outputFor("segment-1", summaryResult{
			Title: "first", Summary: "first summary", Weight: 8,
			MessageStart: 100, MessageEnd: 150,
			Participants: []participantResult{
				{Handle: "alice", Weight: 9, Attitude: attitudeResult{7, 8, 6, 5, 7}},
			},
		}),
		outputFor("segment-2", summaryResult{
			Title: "second", Summary: "second summary", Weight: 5,
			MessageStart: 151, MessageEnd: 200,
			Participants: []participantResult{
				{Handle: "id:202", Weight: 4, Attitude: attitudeResult{5, 5, 5, 5, 5}},
			},
		}),
	)

	require.NoError(t, f.pipeline.Poll(ctx, job))
	assert.True(t, job.Processed)

	// 已覆盖的区间被跳过：不产生重复会话，序号不被重复分配
	convs, err := f.store.Conversations().ListRecent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "first", convs[0].Title)
	assert.Equal(t, "second", convs[1].Title)
	assert.NotEqual(t, convs[0].ConversationID, convs[1].ConversationID)

	// 跳过的行也不重复追加印象
	alice, err := f.store.Persons().Get(ctx, 1, 201)
	require.NoError(t, err)
	assert.Empty(t, alice.Thoughts)

	anon, err := f.store.Persons().Get(ctx, 1, 202)
	require.NoError(t, err)
	assert.Len(t, anon.Thoughts, 1)
}

func TestIngest_MalformedLinesSkippedAndArtifactsKept(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	seedMessages(t, f, 1, 100, 200)

	job := succeededJob(t, f, 1,
		"this is not json",
		outputFor("segment-2", summaryResult{
			Title: "ok", Summary: "s", Weight: 5,
			MessageStart: 100, MessageEnd: 150,
			Participants: []participantResult{
				{Handle: "id:201", Weight: 5, Attitude: attitudeResult{5, 5, 5, 5, 5}},
			},
		}),
		outputFor("segment-3", summaryResult{
			Title: "bad range", Summary: "s", Weight: 5,
			MessageStart: 160, MessageEnd: 10,
		}),
	)

	require.NoError(t, f.pipeline.Poll(ctx, job))
	assert.True(t, job.Processed)

	convs, err := f.store.Conversations().ListRecent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	// 有坏行：工件保留待排查
	assert.Greater(t, f.bucket.Len(), 0)
}

func TestThoughtWeight(t *testing.T) {
	tests := []struct {
		conv, participant, want int
	}{
		{8, 9, 7},
		{10, 10, 10},
		{1, 1, 1}, // round(0.1)=0 钳到下界
		{5, 5, 3}, // 0.5 向远离零舍入
		{10, 3, 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d", tt.conv, tt.participant), func(t *testing.T) {
			assert.Equal(t, tt.want, thoughtWeight(tt.conv, tt.participant))
		})
	}
}

func TestScheduler_TickPollsAndPrepares(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBacklog = 10
	f := newFixture(t, cfg)
	seedMessages(t, f, 7, 1, 30)

	sched := NewScheduler(f.pipeline, ChatListerFunc(func(ctx context.Context) ([]int64, error) {
		return []int64{7}, nil
	}), DefaultSchedulerConfig(), zap.NewNop())

	sched.Tick(context.Background())

	// Prepare 被触发并提交了作业
	require.Len(t, f.batch.Submits(), 1)
	jobs, err := f.store.BatchJobs().ListPending(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}
