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

// cachedContents API 结构
type geminiCachedContent struct {
	Name              string         `json:"name,omitempty"`
	DisplayName       string         `json:"displayName,omitempty"`
	Model             string         `json:"model"`
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	TTL               string          `json:"ttl,omitempty"`
	ExpireTime        string          `json:"expireTime,omitempty"`
}

// CreateCache 创建显式缓存并返回句柄。
func (p *Provider) CreateCache(ctx context.Context, req *llm.CacheCreateRequest) (*llm.CachedContentHandle, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	_, contents := convertContents(req.Contents)
	body := geminiCachedContent{
		DisplayName: req.DisplayName,
		Model:       fmt.Sprintf("models/%s", req.Model),
		Contents:    contents,
		Tools:       convertTools(req.Tools),
		TTL:         fmt.Sprintf("%.0fs", req.TTL.Seconds()),
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/cachedContents", strings.TrimRight(p.cfg.BaseURL, "/"))

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

	var created geminiCachedContent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}

	expiresAt, err := time.Parse(time.RFC3339, created.ExpireTime)
	if err != nil {
		// 服务端未回 expireTime 时按请求 TTL 推算
		expiresAt = time.Now().Add(req.TTL)
	}

	p.logger.Info("cached content created",
		zap.String("name", created.Name),
		zap.String("display_name", req.DisplayName),
		zap.Time("expires_at", expiresAt))

	return &llm.CachedContentHandle{
		Name:        created.Name,
		DisplayName: req.DisplayName,
		Model:       req.Model,
		ExpiresAt:   expiresAt,
	}, nil
}

// DeleteCache 删除缓存。资源已不存在时返回 nil。
func (p *Provider) DeleteCache(ctx context.Context, name string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1beta/%s", strings.TrimRight(p.cfg.BaseURL, "/"), name)
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.logger.Debug("cached content already gone", zap.String("name", name))
		return nil
	}
	if resp.StatusCode >= 400 {
		return mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}
	return nil
}
