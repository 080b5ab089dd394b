package batchsum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// batchLine 输入 JSONL 的一行：一个片段一次摘要请求。
type batchLine struct {
	Key     string       `json:"key"`
	Request batchRequest `json:"request"`
}

type batchRequest struct {
	Contents          []batchContent        `json:"contents"`
	SystemInstruction *batchContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  batchGenerationConfig `json:"generationConfig"`
}

type batchContent struct {
	Role  string      `json:"role,omitempty"`
	Parts []batchPart `json:"parts"`
}

type batchPart struct {
	Text string `json:"text"`
}

type batchGenerationConfig struct {
	ResponseMimeType string          `json:"responseMimeType"`
	ResponseSchema   json.RawMessage `json:"responseSchema"`
}

// summarySchema 摘要输出的结构化约束。参与者以句柄标识：
// 保留句柄代表机器人，id:<数字> 代表无用户名成员，其余为用户名。
var summarySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "summary": {"type": "string"},
    "weight": {"type": "integer", "minimum": 1, "maximum": 10},
    "messageStart": {"type": "integer"},
    "messageEnd": {"type": "integer"},
    "participants": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "handle": {"type": "string"},
          "weight": {"type": "integer", "minimum": 1, "maximum": 10},
          "attitude": {
            "type": "object",
            "properties": {
              "friendliness": {"type": "integer", "minimum": 1, "maximum": 10},
              "trust": {"type": "integer", "minimum": 1, "maximum": 10},
              "respect": {"type": "integer", "minimum": 1, "maximum": 10},
              "humor": {"type": "integer", "minimum": 1, "maximum": 10},
              "openness": {"type": "integer", "minimum": 1, "maximum": 10}
            },
            "required": ["friendliness", "trust", "respect", "humor", "openness"]
          },
          "facts": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["handle", "weight", "attitude"]
      }
    }
  },
  "required": ["title", "summary", "weight", "messageStart", "messageEnd", "participants"]
}`)

// Prepare 扫描积压消息，切分打包并提交批处理作业。
// 积压不足时返回 (nil, nil)。
func (p *Pipeline) Prepare(ctx context.Context, chatID int64) (*types.BatchJob, error) {
	watermark, err := p.store.BatchJobs().MaxEndMessageID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load prepare watermark: %w", err)
	}

	msgs, err := p.store.Messages().ListAfter(ctx, chatID, watermark, p.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan backlog: %w", err)
	}
	if len(msgs) < p.cfg.MinBacklog {
		p.logger.Debug("backlog below threshold",
			zap.Int64("chat_id", chatID),
			zap.Int("backlog", len(msgs)),
			zap.Int("min", p.cfg.MinBacklog))
		return nil, nil
	}

	jobID, err := p.store.Sequences().Next(ctx, chatID, store.SeqBatchJob)
	if err != nil {
		return nil, fmt.Errorf("allocate job id: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	remaining := msgs
	lineNo := 0
	for len(remaining) > 0 {
		seg := p.segmenter.Segment(remaining, p.cfg.TokenBudget, p.cfg.MinGapFloor)
		if len(seg.Messages) == 0 {
			break
		}
		if p.metrics != nil {
			p.metrics.RecordSegmentSize("batch", seg.Size)
		}
		lineNo++
		line := batchLine{
			Key:     fmt.Sprintf("segment-%d", lineNo),
			Request: p.buildSummaryRequest(ctx, seg.Messages),
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode batch line: %w", err)
		}
		remaining = remaining[len(seg.Messages):]
	}
	if lineNo == 0 {
		return nil, nil
	}

	inputKey := objstore.InputKey(chatID, jobID)
	outputPrefix := objstore.OutputPrefix(chatID, jobID)
	if err := p.bucket.Upload(ctx, inputKey, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, fmt.Errorf("upload batch input: %w", err)
	}

	job := &types.BatchJob{
		ID:             jobID,
		ChatID:         chatID,
		InputLocation:  p.cfg.URIFor(inputKey),
		OutputLocation: p.cfg.URIFor(outputPrefix),
		StartMessageID: msgs[0].MessageID,
		EndMessageID:   msgs[len(msgs)-1].MessageID,
		CreatedAt:      time.Now(),
	}
	if err := p.store.BatchJobs().Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("persist batch job: %w", err)
	}

	displayName := fmt.Sprintf("batch-%d", jobID)
	handle, err := p.batch.SubmitBatch(ctx, &llm.BatchSubmitRequest{
		Model:          p.cfg.Model,
		DisplayName:    displayName,
		InputLocation:  job.InputLocation,
		OutputLocation: job.OutputLocation,
	})
	if err != nil {
		// 提交失败保留 PREPARED 状态的行，下一轮可人工介入或重提
		return nil, fmt.Errorf("submit batch job %d: %w", jobID, err)
	}

	job.Job = &types.ProviderJob{
		ProviderName: handle.Name,
		DisplayName:  displayName,
		State:        types.BatchStateSubmitted,
	}
	if handle.State != "" {
		job.Job.State = handle.State
	}
	if err := p.store.BatchJobs().Update(ctx, job); err != nil {
		return nil, fmt.Errorf("record batch submission: %w", err)
	}

	p.logger.Info("batch job prepared and submitted",
		zap.Int64("chat_id", chatID),
		zap.Int64("job_id", jobID),
		zap.Int("segments", lineNo),
		zap.Int("messages", len(msgs)),
		zap.Int64("start_message_id", job.StartMessageID),
		zap.Int64("end_message_id", job.EndMessageID))

	return job, nil
}

// buildSummaryRequest 组装单个片段的摘要请求。
func (p *Pipeline) buildSummaryRequest(ctx context.Context, msgs []types.Message) batchRequest {
	var transcript strings.Builder
	persons := p.handleIndex(ctx, msgs)
	for _, m := range msgs {
		handle := persons[m.UserID]
		fmt.Fprintf(&transcript, "[%d] %s (%s): %s\n",
			m.MessageID, handle, m.Date.UTC().Format("2006-01-02 15:04"), m.Text)
	}

	system := fmt.Sprintf(
		"你是群聊摘要器。给出这段对话的标题、摘要、1-10 的重要度权重、首尾消息 ID，"+
			"以及每位参与者的权重、五项态度指标（1-10）和值得长期记住的事实。"+
			"参与者用消息里的句柄标识；%q 是机器人自己。", p.cfg.BotHandle)

	return batchRequest{
		SystemInstruction: &batchContent{Parts: []batchPart{{Text: system}}},
		Contents: []batchContent{{
			Role:  "user",
			Parts: []batchPart{{Text: transcript.String()}},
		}},
		GenerationConfig: batchGenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   summarySchema,
		},
	}
}

// handleIndex 为片段内出现的用户分配句柄：
// 机器人用保留句柄，有用户名用用户名，否则 id:<n>。
func (p *Pipeline) handleIndex(ctx context.Context, msgs []types.Message) map[int64]string {
	index := make(map[int64]string)
	for _, m := range msgs {
		if _, ok := index[m.UserID]; ok {
			continue
		}
		if m.UserID == p.cfg.BotUserID {
			index[m.UserID] = p.cfg.BotHandle
			continue
		}
		person, err := p.store.Persons().Get(ctx, m.ChatID, m.UserID)
		if err == nil && person.Username != "" {
			index[m.UserID] = person.Username
			continue
		}
		index[m.UserID] = fmt.Sprintf("id:%d", m.UserID)
	}
	return index
}
