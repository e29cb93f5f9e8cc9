// Package api 提供流量拦截与脚本沙箱平台的 HTTP API 处理程序。
// 该包只负责请求分发与结构解析，业务语义全部委托给核心组件：
//   - 代理配置的读取与更新
//   - 流量记录的查询、清理与实时推送
//   - 请求/响应修改与响应注入
//   - 脚本的增删改查与沙箱执行
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/proxy"
	"github.com/oriys/interceptor/internal/recorder"
	"github.com/oriys/interceptor/internal/registry"
	"github.com/oriys/interceptor/internal/sandbox"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// maxRequestBodyBytes 是管理 API 请求体的上限
const maxRequestBodyBytes = 2 << 20

// Handler 是API请求处理器的核心结构体。
//
// 字段说明：
//   - pipeline: 交换管道，负责修改、注入与代理配置
//   - recorder: 流量记录器，负责查询与清理
//   - registry: 脚本注册表
//   - executor: 沙箱执行器
//   - store: 文档存储，用于健康检查与统计
//   - hub: 流量实时推送中心（可选）
//   - logger: 日志记录器
type Handler struct {
	pipeline *proxy.Pipeline
	recorder *recorder.Recorder
	registry *registry.Registry
	executor *sandbox.Executor
	store    storage.Store
	hub      *recorder.Hub
	logger   *logrus.Logger
}

// Services 聚合 Handler 依赖的核心组件
type Services struct {
	Pipeline *proxy.Pipeline
	Recorder *recorder.Recorder
	Registry *registry.Registry
	Executor *sandbox.Executor
	Store    storage.Store
	Hub      *recorder.Hub
	Logger   *logrus.Logger
}

// NewHandler 创建并返回一个新的Handler实例。
func NewHandler(s Services) *Handler {
	return &Handler{
		pipeline: s.Pipeline,
		recorder: s.Recorder,
		registry: s.Registry,
		executor: s.Executor,
		store:    s.Store,
		hub:      s.Hub,
		logger:   s.Logger,
	}
}

// ==================== 代理配置 ====================

// MessageResponse 是只携带提示信息的响应
type MessageResponse struct {
	Message string `json:"message"`
}

// GetConfig 返回当前代理配置。
// HTTP端点: GET /config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.pipeline.Configs().Get(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "GetConfig", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig 整体替换代理配置。
// HTTP端点: PUT /config
//
// 主机名、端口和修改规则全部校验通过后才会写入存储。
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ProxyConfiguration
	if err := decodeJSON(w, r, &cfg); err != nil {
		h.writeDomainError(w, r, "UpdateConfig", err, nil)
		return
	}
	if err := h.pipeline.Configs().Update(r.Context(), &cfg); err != nil {
		h.writeDomainError(w, r, "UpdateConfig", err, logrus.Fields{"target_hostname": cfg.TargetHostname})
		return
	}

	h.logInfo(r, "UpdateConfig", "代理配置已更新", logrus.Fields{
		"target_hostname": cfg.TargetHostname,
		"target_port":     cfg.TargetPort,
	})
	writeJSON(w, http.StatusOK, MessageResponse{Message: "configuration updated"})
}

// ==================== 流量记录 ====================

// ListTraffic 按条件查询流量记录。
// HTTP端点: GET /traffic
//
// 查询参数：
//   - startDate, endDate: 时间范围（必填，RFC3339 或 YYYY-MM-DD）
//   - targetUrl: URL 子串过滤（大小写不敏感）
//   - method: 方法过滤
//   - page: 从 1 开始的页码（默认 1）
//   - limit: 每页数量 1-100（默认 10）
//
// 返回值：按创建时间倒序的记录数组
func (h *Handler) ListTraffic(w http.ResponseWriter, r *http.Request) {
	q, err := parseTrafficQuery(r)
	if err != nil {
		h.writeDomainError(w, r, "ListTraffic", err, nil)
		return
	}
	records, err := h.recorder.Query(r.Context(), q)
	if err != nil {
		h.writeDomainError(w, r, "ListTraffic", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// PurgeTraffic 删除早于 before 的流量记录。
// HTTP端点: DELETE /traffic?before=
func (h *Handler) PurgeTraffic(w http.ResponseWriter, r *http.Request) {
	before, err := parseTime(r.URL.Query().Get("before"), false)
	if err != nil {
		h.writeDomainError(w, r, "PurgeTraffic", domain.Invalid("before", err.Error()), nil)
		return
	}
	n, err := h.recorder.Purge(r.Context(), before)
	if err != nil {
		h.writeDomainError(w, r, "PurgeTraffic", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "traffic purged",
		"deleted": n,
	})
}

// StreamTraffic 将连接升级为 websocket，推送新产生的流量记录。
// HTTP端点: GET /traffic/stream
func (h *Handler) StreamTraffic(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorWithContext(w, r, http.StatusServiceUnavailable, "traffic stream disabled")
		return
	}
	h.hub.ServeWS(w, r)
}

// ==================== 修改与注入 ====================

// ModifyRequest 对请求应用当前配置的请求修改规则。
// HTTP端点: POST /modify/request
func (h *Handler) ModifyRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.HTTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, "ModifyRequest", err, nil)
		return
	}
	out, err := h.pipeline.ModifyRequest(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, r, "ModifyRequest", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ModifyResponse 对响应应用当前配置的响应修改规则。
// HTTP端点: POST /modify/response
func (h *Handler) ModifyResponse(w http.ResponseWriter, r *http.Request) {
	var resp domain.HTTPResponse
	if err := decodeJSON(w, r, &resp); err != nil {
		h.writeDomainError(w, r, "ModifyResponse", err, nil)
		return
	}
	out, err := h.pipeline.ModifyResponse(r.Context(), &resp)
	if err != nil {
		h.writeDomainError(w, r, "ModifyResponse", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// InjectRequest 是注入接口的请求体
type InjectRequest struct {
	domain.HTTPResponse
	// Request 是可选的请求上下文，记录在注入产生的流量记录上
	Request *domain.HTTPRequest `json:"request,omitempty"`
}

// InjectResponse 是注入接口的响应体：原样返回注入的响应并标记来源
type InjectResponse struct {
	domain.HTTPResponse
	Origin   domain.Origin `json:"origin"`
	RecordID string        `json:"recordId,omitempty"`
}

// Inject 不联系目标主机，直接以请求体作为最终响应并记录。
// HTTP端点: POST /inject
//
// 记录失败不影响响应返回。
func (h *Handler) Inject(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, "Inject", err, nil)
		return
	}
	res, err := h.pipeline.Inject(r.Context(), &req.HTTPResponse, req.Request)
	if err != nil {
		h.writeDomainError(w, r, "Inject", err, nil)
		return
	}

	out := InjectResponse{HTTPResponse: *res.Response, Origin: domain.OriginInjected}
	if res.Record != nil {
		out.RecordID = res.Record.ID
	}
	writeJSON(w, http.StatusOK, out)
}

// ==================== 健康检查 ====================

// Health 基本健康检查。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理就绪探针请求，检查存储连接。
// HTTP端点: GET /health/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logWarn(r, "Ready", "存储未就绪", logrus.Fields{"error": err.Error()})
		writeErrorWithContext(w, r, http.StatusServiceUnavailable, "storage not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 处理存活探针请求。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Stats 返回流量记录与脚本的数量。
// HTTP端点: GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	traffic, err := h.store.CountTraffic(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Stats", domain.Persistence("count traffic", err), nil)
		return
	}
	_, scripts, err := h.store.ListScripts(r.Context(), 0, 1)
	if err != nil {
		h.writeDomainError(w, r, "Stats", domain.Persistence("count scripts", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"traffic": traffic,
		"scripts": scripts,
	})
}

// ==================== 辅助函数 ====================

// parseTrafficQuery 从查询参数构造流量查询条件
func parseTrafficQuery(r *http.Request) (*domain.TrafficQuery, error) {
	params := r.URL.Query()
	q := &domain.TrafficQuery{
		TargetURL: params.Get("targetUrl"),
	}

	var err error
	if q.StartDate, err = parseTime(params.Get("startDate"), false); err != nil {
		return nil, domain.Invalid("startDate", err.Error())
	}
	if q.EndDate, err = parseTime(params.Get("endDate"), true); err != nil {
		return nil, domain.Invalid("endDate", err.Error())
	}
	if m := params.Get("method"); m != "" {
		if q.Method, err = domain.ParseMethod(m); err != nil {
			return nil, err
		}
	}
	if v := params.Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil {
			return nil, domain.Invalid("page", "must be an integer")
		}
	}
	if v := params.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return nil, domain.Invalid("limit", "must be an integer")
		}
	}
	return q, nil
}

// parseTime 解析 RFC3339 时间或 YYYY-MM-DD 日期。
// 日期作为终点时取当天的最后一刻。
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, errors.New("must be RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// decodeJSON 解析请求体，格式错误时返回 InvalidInput
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.Invalid("body", "request body too large")
		case errors.Is(err, io.EOF):
			return domain.Invalid("body", "request body required")
		default:
			return domain.Invalid("body", "malformed JSON: "+err.Error())
		}
	}
	return nil
}

// writeJSON 将数据以JSON格式写入HTTP响应。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是统一的错误响应结构体，携带请求追踪信息方便 CLI 调试。
type ErrorResponse struct {
	Error     string `json:"error"`                // 错误消息
	RequestID string `json:"request_id,omitempty"` // 请求ID，用于关联日志
	TraceID   string `json:"trace_id,omitempty"`   // 链路追踪ID
}

// writeErrorWithContext 将错误信息以JSON格式写入HTTP响应，带请求上下文。
func writeErrorWithContext(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}

// ExecutionErrorResponse 是脚本执行失败的响应体
type ExecutionErrorResponse struct {
	ErrorResponse
	Kind       domain.ExecutionErrorKind `json:"kind"`
	ScriptID   string                    `json:"scriptId"`
	State      domain.ExecutionState     `json:"state,omitempty"`
	DurationMs int64                     `json:"durationMs"`
}

// writeDomainError 按错误类别映射 HTTP 状态码。
// 客户端错误直接返回原因；其余错误记录操作上下文后返回通用信息。
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error, fields logrus.Fields) {
	var execErr *domain.ExecutionError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDuplicateName):
		writeErrorWithContext(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeErrorWithContext(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &execErr):
		status := http.StatusUnprocessableEntity
		if execErr.Kind == domain.ExecutionTimeout {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, ExecutionErrorResponse{
			ErrorResponse: ErrorResponse{
				Error:     execErr.Message,
				RequestID: middleware.GetReqID(r.Context()),
				TraceID:   telemetry.TraceIDFromContext(r.Context()),
			},
			Kind:     execErr.Kind,
			ScriptID: execErr.ScriptID,
		})
	case errors.Is(err, domain.ErrForwarding):
		h.logError(r, op, "转发失败", err, fields)
		writeErrorWithContext(w, r, http.StatusBadGateway, "upstream unavailable")
	default:
		h.logError(r, op, "内部错误", err, fields)
		writeErrorWithContext(w, r, http.StatusInternalServerError, "internal error")
	}
}

// getStackTrace 获取当前调用堆栈信息，只用于错误日志。
// skip 参数指定跳过的调用层数（不包含 getStackTrace 自身）。
func getStackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 跳过 Callers 和 getStackTrace
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		// 过滤掉标准库的调用
		if strings.Contains(frame.File, "runtime/") || strings.Contains(frame.File, "net/http") {
			if !more {
				break
			}
			continue
		}
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}

func (h *Handler) requestEntry(r *http.Request, method string, fields logrus.Fields) *logrus.Entry {
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	return telemetry.EntryWithTraceContext(r.Context(), entry)
}

// logInfo 记录信息级别日志
func (h *Handler) logInfo(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	h.requestEntry(r, method, fields).Info(message)
}

// logDebug 记录调试级别日志
func (h *Handler) logDebug(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	h.requestEntry(r, method, fields).Debug(message)
}

// logWarn 记录警告级别日志
func (h *Handler) logWarn(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	h.requestEntry(r, method, fields).Warn(message)
}

// logError 记录错误级别日志
func (h *Handler) logError(r *http.Request, method, message string, err error, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.requestEntry(r, method, fields).WithField("stack", getStackTrace(1))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
