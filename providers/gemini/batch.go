package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/types"
)

// batches API 结构
type geminiBatchJob struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Model       string `json:"model,omitempty"`
	State       string `json:"state,omitempty"`
	CreateTime  string `json:"createTime,omitempty"`
	StartTime   string `json:"startTime,omitempty"`
	EndTime     string `json:"endTime,omitempty"`
	InputConfig *geminiBatchInputConfig `json:"inputConfig,omitempty"`
	OutputConfig *geminiBatchOutputConfig `json:"outputConfig,omitempty"`
}

type geminiBatchInputConfig struct {
	InstancesFormat string              `json:"instancesFormat,omitempty"`
	GCSSource       *geminiGCSLocation  `json:"gcsSource,omitempty"`
}

type geminiBatchOutputConfig struct {
	PredictionsFormat string                   `json:"predictionsFormat,omitempty"`
	GCSDestination    *geminiGCSDestination    `json:"gcsDestination,omitempty"`
}

type geminiGCSLocation struct {
	URIs []string `json:"uris,omitempty"`
}

type geminiGCSDestination struct {
	OutputURIPrefix string `json:"outputUriPrefix,omitempty"`
}

// mapBatchState 将供应商作业状态归一化。未知状态保守视为 RUNNING。
func mapBatchState(state string) types.BatchState {
	switch strings.TrimPrefix(state, "JOB_STATE_") {
	case "QUEUED", "PENDING":
		return types.BatchStateQueued
	case "RUNNING":
		return types.BatchStateRunning
	case "SUCCEEDED":
		return types.BatchStateSucceeded
	case "FAILED":
		return types.BatchStateFailed
	case "CANCELLED", "CANCELLING":
		return types.BatchStateCancelled
	case "EXPIRED":
		return types.BatchStateExpired
	default:
		return types.BatchStateRunning
	}
}

func toBatchHandle(job geminiBatchJob) *llm.BatchHandle {
	h := &llm.BatchHandle{
		Name:        job.Name,
		DisplayName: job.DisplayName,
		State:       mapBatchState(job.State),
	}
	if t, err := time.Parse(time.RFC3339, job.StartTime); err == nil {
		h.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, job.EndTime); err == nil {
		h.CompletedAt = &t
	}
	return h
}

// SubmitBatch 提交异步批处理作业，输入输出均为对象存储 URI。
func (p *Provider) SubmitBatch(ctx context.Context, req *llm.BatchSubmitRequest) (*llm.BatchHandle, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body := geminiBatchJob{
		DisplayName: req.DisplayName,
		Model:       fmt.Sprintf("models/%s", req.Model),
		InputConfig: &geminiBatchInputConfig{
			InstancesFormat: "jsonl",
			GCSSource:       &geminiGCSLocation{URIs: []string{req.InputLocation}},
		},
		OutputConfig: &geminiBatchOutputConfig{
			PredictionsFormat: "jsonl",
			GCSDestination:    &geminiGCSDestination{OutputURIPrefix: req.OutputLocation},
		},
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/batches", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var job geminiBatchJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}

	p.logger.Info("batch job submitted",
		zap.String("name", job.Name),
		zap.String("display_name", req.DisplayName),
		zap.String("input", req.InputLocation))

	return toBatchHandle(job), nil
}

// PollBatch 查询作业状态。
func (p *Provider) PollBatch(ctx context.Context, name string) (*llm.BatchHandle, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/%s", strings.TrimRight(p.cfg.BaseURL, "/"), name)
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var job geminiBatchJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}
	return toBatchHandle(job), nil
}
