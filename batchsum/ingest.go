package batchsum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// outputLine 供应商输出 JSONL 的一行。
type outputLine struct {
	Key      string `json:"key"`
	Response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	} `json:"response"`
}

// summaryResult 模型产出的会话摘要。
type summaryResult struct {
	Title        string              `json:"title"`
	Summary      string              `json:"summary"`
	Weight       int                 `json:"weight"`
	MessageStart int64               `json:"messageStart"`
	MessageEnd   int64               `json:"messageEnd"`
	Participants []participantResult `json:"participants"`
}

type participantResult struct {
	Handle   string         `json:"handle"`
	Weight   int            `json:"weight"`
	Attitude attitudeResult `json:"attitude"`
	Facts    []string       `json:"facts"`
}

type attitudeResult struct {
	Friendliness int `json:"friendliness"`
	Trust        int `json:"trust"`
	Respect      int `json:"respect"`
	Humor        int `json:"humor"`
	Openness     int `json:"openness"`
}

func (a attitudeResult) factors() []types.Factor {
	return []types.Factor{
		{Name: "friendliness", Value: types.ClampWeight(a.Friendliness)},
		{Name: "trust", Value: types.ClampWeight(a.Trust)},
		{Name: "respect", Value: types.ClampWeight(a.Respect)},
		{Name: "humor", Value: types.ClampWeight(a.Humor)},
		{Name: "openness", Value: types.ClampWeight(a.Openness)},
	}
}

// ingest 摄取成功作业的输出。Processed 标志保证恰好一次；
// 逐行解析，坏行告警跳过；只有全部行干净落库才删除工件。
func (p *Pipeline) ingest(ctx context.Context, job *types.BatchJob) error {
	if job.Processed {
		return nil
	}

	outputPrefix := objstore.OutputPrefix(job.ChatID, job.ID)
	keys, err := p.bucket.ListKeys(ctx, outputPrefix)
	if err != nil {
		return fmt.Errorf("list batch output: %w", err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("batch job %d/%d succeeded but produced no output", job.ChatID, job.ID)
	}

	lineErrors := 0
	ingested := 0
	for _, key := range keys {
		n, bad, err := p.ingestFile(ctx, job, key)
		if err != nil {
			return err
		}
		ingested += n
		lineErrors += bad
	}

	job.Processed = true
	if p.metrics != nil {
		p.metrics.RecordBatchJob(string(types.BatchStateSucceeded))
	}

	p.logger.Info("batch output ingested",
		zap.Int64("chat_id", job.ChatID),
		zap.Int64("job_id", job.ID),
		zap.Int("conversations", ingested),
		zap.Int("line_errors", lineErrors))

	// 有坏行时保留工件供排查
	if lineErrors == 0 {
		if err := p.bucket.Delete(ctx, objstore.InputKey(job.ChatID, job.ID)); err != nil {
			p.logger.Warn("input artifact cleanup failed", zap.Error(err))
		}
		if err := p.bucket.DeletePrefix(ctx, outputPrefix); err != nil {
			p.logger.Warn("output artifact cleanup failed", zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) ingestFile(ctx context.Context, job *types.BatchJob, key string) (ingested, lineErrors int, err error) {
	rc, err := p.bucket.Download(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("download batch output %s: %w", key, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		result, perr := parseLine([]byte(raw))
		if perr != nil {
			lineErrors++
			p.logger.Warn("malformed batch output line, skipping",
				zap.Int64("chat_id", job.ChatID),
				zap.Int64("job_id", job.ID),
				zap.String("object", key),
				zap.Int("line", lineNo),
				zap.Error(perr))
			continue
		}
		if err := p.ingestConversation(ctx, job, result); err != nil {
			return ingested, lineErrors, err
		}
		ingested++
	}
	if err := scanner.Err(); err != nil {
		return ingested, lineErrors, fmt.Errorf("read batch output %s: %w", key, err)
	}
	return ingested, lineErrors, nil
}

func parseLine(raw []byte) (*summaryResult, error) {
	var line outputLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, fmt.Errorf("line is not valid JSON: %w", err)
	}
	if len(line.Response.Candidates) == 0 || len(line.Response.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("line has no candidate content")
	}
	text := line.Response.Candidates[0].Content.Parts[0].Text

	var result summaryResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("candidate text is not a summary: %w", err)
	}
	if result.MessageStart <= 0 || result.MessageEnd < result.MessageStart {
		return nil, fmt.Errorf("invalid message range [%d, %d]", result.MessageStart, result.MessageEnd)
	}
	return &result, nil
}

// ingestConversation 落库单条会话摘要及参与者印象。
// 消息区间已有会话覆盖时整行跳过：上次摄取中途失败后重跑不产生重复记录。
func (p *Pipeline) ingestConversation(ctx context.Context, job *types.BatchJob, result *summaryResult) error {
	covered, err := p.store.Conversations().CountInRange(ctx, job.ChatID, result.MessageStart, result.MessageEnd)
	if err != nil {
		return fmt.Errorf("check conversation coverage: %w", err)
	}
	if covered > 0 {
		p.logger.Info("message range already covered by a conversation, skipping",
			zap.Int64("chat_id", job.ChatID),
			zap.Int64("start", result.MessageStart),
			zap.Int64("end", result.MessageEnd))
		return nil
	}

	msgs, err := p.store.Messages().ListRange(ctx, job.ChatID, result.MessageStart, result.MessageEnd)
	if err != nil {
		return fmt.Errorf("load conversation messages: %w", err)
	}

	convID, err := p.store.Sequences().Next(ctx, job.ChatID, store.SeqConversation)
	if err != nil {
		return fmt.Errorf("allocate conversation id: %w", err)
	}

	convWeight := types.ClampWeight(result.Weight)
	conv := &types.Conversation{
		ChatID:         job.ChatID,
		ConversationID: convID,
		Title:          result.Title,
		Summary:        result.Summary,
		Weight:         convWeight,
		MessageStartID: result.MessageStart,
		MessageEndID:   result.MessageEnd,
		Date:           conversationDate(msgs),
	}

	type impression struct {
		userID  int64
		thought types.PersonThought
		facts   []string
	}
	var impressions []impression
	for _, participant := range result.Participants {
		userID, ok := p.resolveHandle(ctx, job.ChatID, participant.Handle)
		if !ok {
			p.logger.Warn("unknown participant handle dropped",
				zap.Int64("chat_id", job.ChatID),
				zap.String("handle", participant.Handle))
			continue
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, userID)

		// 机器人自己不留印象
		if userID == p.cfg.BotUserID {
			continue
		}

		factors := participant.Attitude.factors()
		impressions = append(impressions, impression{
			userID: userID,
			thought: types.PersonThought{
				Thought:         result.Title,
				OpinionModifier: opinionModifier(factors),
				Weight:          thoughtWeight(convWeight, participant.Weight),
				Factors:         factors,
				Date:            conv.Date,
			},
			facts: participant.Facts,
		})
	}

	// 会话先落库：印象写到一半失败时，重跑靠上面的覆盖检查跳过整行
	if err := p.store.Conversations().Insert(ctx, conv); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	marked, err := p.store.Messages().MarkConversation(ctx, job.ChatID, result.MessageStart, result.MessageEnd, convID)
	if err != nil {
		return fmt.Errorf("mark conversation messages: %w", err)
	}

	for _, imp := range impressions {
		if err := p.store.Persons().AppendThought(ctx, job.ChatID, imp.userID, imp.thought); err != nil {
			return fmt.Errorf("append thought for user %d: %w", imp.userID, err)
		}
		if err := p.store.Persons().AppendFacts(ctx, job.ChatID, imp.userID, imp.facts); err != nil {
			return fmt.Errorf("append facts for user %d: %w", imp.userID, err)
		}
	}

	p.logger.Debug("conversation ingested",
		zap.Int64("chat_id", job.ChatID),
		zap.Int64("conversation_id", convID),
		zap.Int64("marked_messages", marked))
	return nil
}

// thoughtWeight 印象权重 = clamp(round(会话权重/10 × 参与者权重), 1, 10)。
func thoughtWeight(convWeight, participantWeight int) int {
	w := math.Round(float64(convWeight) / 10.0 * float64(participantWeight))
	return types.ClampWeight(int(w))
}

// opinionModifier 态度因子相对中性值 5 的平均偏移，正值表示好感。
func opinionModifier(factors []types.Factor) int {
	if len(factors) == 0 {
		return 0
	}
	sum := 0
	for _, f := range factors {
		sum += f.Value - 5
	}
	return int(math.Round(float64(sum) / float64(len(factors))))
}

// conversationDate 会话时间取首尾消息时间的中点，取整到 15 分钟。
func conversationDate(msgs []types.Message) time.Time {
	if len(msgs) == 0 {
		return time.Now().Round(15 * time.Minute)
	}
	first := msgs[0].Date
	last := msgs[len(msgs)-1].Date
	mid := first.Add(last.Sub(first) / 2)
	return mid.Round(15 * time.Minute)
}

// resolveHandle 把输出里的句柄解析回用户 ID。
// 依次尝试：机器人保留句柄、id:<数字>、用户名；都不中则丢弃。
func (p *Pipeline) resolveHandle(ctx context.Context, chatID int64, handle string) (int64, bool) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return 0, false
	}
	if handle == p.cfg.BotHandle {
		return p.cfg.BotUserID, true
	}
	if rest, ok := strings.CutPrefix(handle, "id:"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
	person, err := p.store.Persons().FindByUsername(ctx, chatID, handle)
	if err != nil {
		return 0, false
	}
	return person.UserID, true
}
