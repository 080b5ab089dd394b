package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "gemini-2.5-flash",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestGenerate_TextResponse(t *testing.T) {
	var gotReq geminiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Contains(t, r.URL.Path, "models/gemini-2.5-flash:generateContent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: "你好"}}},
			}},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 2, TotalTokenCount: 12},
		})
	})

	resp, err := p.Generate(context.Background(), &llm.GenerateRequest{
		SystemPrompt: "be nice",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "你好", resp.Text())
	assert.Equal(t, 10, resp.Usage.PromptTokens)

	require.NotNil(t, gotReq.SystemInstruction)
	assert.Equal(t, "be nice", gotReq.SystemInstruction.Parts[0].Text)
	require.Len(t, gotReq.Contents, 1)
	assert.Equal(t, "user", gotReq.Contents[0].Role)
}

func TestGenerate_FunctionCall(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content: geminiContent{Role: "model", Parts: []geminiPart{{
					FunctionCall: &geminiFunctionCall{
						Name: "web_search",
						Args: map[string]any{"query": "golang"},
					},
				}}},
			}},
		})
	})

	resp, err := p.Generate(context.Background(), &llm.GenerateRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "search golang"}},
		Tools: []llm.ToolSchema{{
			Name:       "web_search",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	calls := resp.FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "web_search", calls[0].Name)
	assert.JSONEq(t, `{"query":"golang"}`, string(calls[0].Arguments))
}

func TestGenerate_CachedContentSuppressesSystemAndTools(t *testing.T) {
	var gotReq geminiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "ok"}}}}},
		})
	})

	_, err := p.Generate(context.Background(), &llm.GenerateRequest{
		SystemPrompt:  "persona",
		CachedContent: "cachedContents/abc",
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Tools:         []llm.ToolSchema{{Name: "t", Parameters: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)

	assert.Equal(t, "cachedContents/abc", gotReq.CachedContent)
	assert.Nil(t, gotReq.SystemInstruction)
	assert.Empty(t, gotReq.Tools)
}

func TestGenerate_ResponseSchema(t *testing.T) {
	var gotReq geminiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: `{"x":1}`}}}}},
		})
	})

	_, err := p.Generate(context.Background(), &llm.GenerateRequest{
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: "classify"}},
		ResponseSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer"}}}`),
	})
	require.NoError(t, err)

	require.NotNil(t, gotReq.GenerationConfig)
	assert.Equal(t, "application/json", gotReq.GenerationConfig.ResponseMimeType)
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, types.ErrRateLimited, true},
		{"unauthorized", http.StatusUnauthorized, types.ErrUnauthorized, false},
		{"bad request", http.StatusBadRequest, types.ErrInvalidRequest, false},
		{"server error", http.StatusServiceUnavailable, types.ErrUpstreamError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":1,"message":"boom","status":"ERR"}}`))
			})
			_, err := p.Generate(context.Background(), &llm.GenerateRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestCreateCache(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "cachedContents")

		var body geminiCachedContent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "models/gemini-2.5-flash", body.Model)
		assert.Equal(t, "3600s", body.TTL)

		_ = json.NewEncoder(w).Encode(geminiCachedContent{
			Name:       "cachedContents/xyz",
			Model:      body.Model,
			ExpireTime: time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})

	h, err := p.CreateCache(context.Background(), &llm.CacheCreateRequest{
		Model:             "gemini-2.5-flash",
		DisplayName:       "chat-1-regular",
		SystemInstruction: "persona",
		Contents:          []llm.Message{{Role: llm.RoleUser, Content: "history"}},
		TTL:               time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "cachedContents/xyz", h.Name)
	assert.Equal(t, "chat-1-regular", h.DisplayName)
	assert.WithinDuration(t, time.Now().Add(time.Hour), h.ExpiresAt, time.Minute)
}

func TestDeleteCache_NotFoundIsIdempotent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	err := p.DeleteCache(context.Background(), "cachedContents/gone")
	assert.NoError(t, err)
}

func TestSubmitAndPollBatch(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body geminiBatchJob
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gs://bucket/1/batch-2-input.jsonl", body.InputConfig.GCSSource.URIs[0])
			_ = json.NewEncoder(w).Encode(geminiBatchJob{
				Name:  "batches/b1",
				State: "JOB_STATE_QUEUED",
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(geminiBatchJob{
				Name:    "batches/b1",
				State:   "JOB_STATE_SUCCEEDED",
				EndTime: time.Now().Format(time.RFC3339),
			})
		}
	})

	h, err := p.SubmitBatch(context.Background(), &llm.BatchSubmitRequest{
		Model:          "gemini-2.5-flash",
		DisplayName:    "batch-2",
		InputLocation:  "gs://bucket/1/batch-2-input.jsonl",
		OutputLocation: "gs://bucket/1/batch-2-output/",
	})
	require.NoError(t, err)
	assert.Equal(t, types.BatchStateQueued, h.State)

	h, err = p.PollBatch(context.Background(), "batches/b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchStateSucceeded, h.State)
	require.NotNil(t, h.CompletedAt)
}

func TestMapBatchState(t *testing.T) {
	assert.Equal(t, types.BatchStateQueued, mapBatchState("JOB_STATE_QUEUED"))
	assert.Equal(t, types.BatchStateRunning, mapBatchState("RUNNING"))
	assert.Equal(t, types.BatchStateExpired, mapBatchState("JOB_STATE_EXPIRED"))
	// 未知状态保守视为运行中
	assert.Equal(t, types.BatchStateRunning, mapBatchState("SOMETHING_NEW"))
}
