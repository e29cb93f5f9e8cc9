// Package gatewayclient 提供访问拦截网关管理 API 的 Go 客户端封装。
//
// Client 封装了所有与管理 API 的交互，包括：
//   - 代理配置的读取与更新
//   - 流量记录查询与清理
//   - 脚本的 CRUD 与执行
//   - 请求/响应修改预览与响应注入
//   - 令牌签发
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oriys/interceptor/internal/domain"
)

// Client 是拦截网关管理 API 的客户端，可并发使用。
type Client struct {
	baseURL    string       // API 服务器的基础 URL
	apiKey     string       // 通过 X-API-Key 发送
	token      string       // 通过 Authorization: Bearer 发送
	httpClient *http.Client // HTTP 客户端
}

// Option 配置客户端
type Option func(*Client)

// WithAPIKey 设置 API Key
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithToken 设置 JWT Bearer Token
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New 创建一个新的客户端。
// baseURL 为空时默认使用 http://localhost:8080。
// 默认超时为 90 秒，覆盖脚本执行预算上限。
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ====== 响应模型 ======

// ScriptList 是脚本列表的分页响应
type ScriptList struct {
	Scripts []*domain.Script `json:"scripts"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
}

// InjectResult 是注入接口的响应
type InjectResult struct {
	domain.HTTPResponse
	Origin   domain.Origin `json:"origin"`
	RecordID string        `json:"recordId,omitempty"`
}

// InjectRequest 是注入接口的请求体
type InjectRequest struct {
	domain.HTTPResponse
	Request *domain.HTTPRequest `json:"request,omitempty"`
}

// TokenResult 是令牌签发接口的响应
type TokenResult struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// PurgeResult 是清理流量接口的响应
type PurgeResult struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// TrafficFilter 是流量查询条件
type TrafficFilter struct {
	StartDate string
	EndDate   string
	Method    string
	TargetURL string
	Page      int
	Limit     int
}

// APIError 是管理 API 返回的错误
type APIError struct {
	Code       int    `json:"-"`
	Message    string `json:"error"`
	RequestID  string `json:"request_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	ScriptID   string `json:"scriptId,omitempty"`
	State      string `json:"state,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("API error %d: %s", e.Code, e.Message))

	if e.Kind != "" {
		sb.WriteString(fmt.Sprintf("\n  Kind: %s (state %s, %d ms)", e.Kind, e.State, e.DurationMs))
	}
	if e.RequestID != "" {
		sb.WriteString(fmt.Sprintf("\n  Request ID: %s", e.RequestID))
	}
	if e.TraceID != "" {
		sb.WriteString(fmt.Sprintf("\n  Trace ID: %s", e.TraceID))
	}
	return sb.String()
}

// do 是内部通用请求方法，负责：
// - JSON 编码请求体并附加认证头
// - 发起 HTTP 请求并解析 JSON 响应
// - 将 4xx/5xx 转换为 *APIError
func (c *Client) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
			apiErr.Code = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// ====== 代理配置 ======

// GetConfig 获取当前代理配置。
func (c *Client) GetConfig(ctx context.Context) (*domain.ProxyConfiguration, error) {
	var cfg domain.ProxyConfiguration
	if err := c.do(ctx, http.MethodGet, "/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig 整体替换代理配置。
func (c *Client) UpdateConfig(ctx context.Context, cfg *domain.ProxyConfiguration) error {
	return c.do(ctx, http.MethodPut, "/config", cfg, nil)
}

// ====== 流量记录 ======

// ListTraffic 按条件分页查询流量记录，结果按时间倒序。
func (c *Client) ListTraffic(ctx context.Context, f TrafficFilter) ([]domain.TrafficRecord, error) {
	q := url.Values{}
	q.Set("startDate", f.StartDate)
	q.Set("endDate", f.EndDate)
	if f.Method != "" {
		q.Set("method", f.Method)
	}
	if f.TargetURL != "" {
		q.Set("targetUrl", f.TargetURL)
	}
	if f.Page > 0 {
		q.Set("page", fmt.Sprint(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}

	var records []domain.TrafficRecord
	if err := c.do(ctx, http.MethodGet, "/traffic?"+q.Encode(), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// PurgeTraffic 删除 before 之前的流量记录。
func (c *Client) PurgeTraffic(ctx context.Context, before time.Time) (*PurgeResult, error) {
	var res PurgeResult
	path := "/traffic?before=" + url.QueryEscape(before.UTC().Format(time.RFC3339))
	if err := c.do(ctx, http.MethodDelete, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ====== 修改与注入 ======

// ModifyRequest 对请求应用当前的请求规则。
func (c *Client) ModifyRequest(ctx context.Context, req *domain.HTTPRequest) (*domain.HTTPRequest, error) {
	var out domain.HTTPRequest
	if err := c.do(ctx, http.MethodPost, "/modify/request", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModifyResponse 对响应应用当前的响应规则。
func (c *Client) ModifyResponse(ctx context.Context, resp *domain.HTTPResponse) (*domain.HTTPResponse, error) {
	var out domain.HTTPResponse
	if err := c.do(ctx, http.MethodPost, "/modify/response", resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Inject 注入响应并记录一次 injected 交换。
func (c *Client) Inject(ctx context.Context, req *InjectRequest) (*InjectResult, error) {
	var out InjectResult
	if err := c.do(ctx, http.MethodPost, "/inject", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ====== 脚本 ======

// ListScripts 分页列出脚本。
func (c *Client) ListScripts(ctx context.Context, page, limit int) (*ScriptList, error) {
	var list ScriptList
	path := fmt.Sprintf("/scripts?page=%d&limit=%d", page, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetScript 根据 ID 获取脚本。
func (c *Client) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	var s domain.Script
	if err := c.do(ctx, http.MethodGet, "/scripts/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateScript 创建脚本，名称重复时返回 409。
func (c *Client) CreateScript(ctx context.Context, req *domain.CreateScriptRequest) (*domain.Script, error) {
	var s domain.Script
	if err := c.do(ctx, http.MethodPost, "/scripts", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateScript 部分更新脚本。
func (c *Client) UpdateScript(ctx context.Context, id string, req *domain.UpdateScriptRequest) (*domain.Script, error) {
	var s domain.Script
	if err := c.do(ctx, http.MethodPut, "/scripts/"+url.PathEscape(id), req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteScript 删除脚本。
func (c *Client) DeleteScript(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/scripts/"+url.PathEscape(id), nil, nil)
}

// ExecuteScript 执行脚本；超时返回 504，脚本错误返回 422。
func (c *Client) ExecuteScript(ctx context.Context, id string, req *domain.ExecuteScriptRequest) (*domain.ExecutionOutcome, error) {
	var out domain.ExecutionOutcome
	if err := c.do(ctx, http.MethodPost, "/scripts/"+url.PathEscape(id)+"/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ====== 认证 ======

// IssueToken 用当前凭证换取 JWT。
func (c *Client) IssueToken(ctx context.Context) (*TokenResult, error) {
	var res TokenResult
	if err := c.do(ctx, http.MethodPost, "/auth/token", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
