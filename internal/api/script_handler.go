package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// ScriptListResponse 是脚本列表的响应体
type ScriptListResponse struct {
	Scripts []*domain.Script `json:"scripts"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
}

// CreateScript 处理创建脚本的请求。
// HTTP端点: POST /scripts
//
// 返回值：
//   - 201: 创建成功，返回脚本定义
//   - 400: 名称字符集或代码不合法
//   - 409: 名称已被占用
func (h *Handler) CreateScript(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateScriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, "CreateScript", err, nil)
		return
	}
	s, err := h.registry.Create(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, r, "CreateScript", err, logrus.Fields{"name": req.Name})
		return
	}
	h.logInfo(r, "CreateScript", "脚本创建成功", logrus.Fields{"script_id": s.ID, "name": s.Name})
	writeJSON(w, http.StatusCreated, s)
}

// ListScripts 按更新时间倒序分页列出脚本。
// HTTP端点: GET /scripts?page&limit
func (h *Handler) ListScripts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = domain.DefaultPageSize
	}

	scripts, total, err := h.registry.List(r.Context(), page, limit)
	if err != nil {
		h.writeDomainError(w, r, "ListScripts", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ScriptListResponse{
		Scripts: scripts,
		Total:   total,
		Page:    page,
		Limit:   limit,
	})
}

// GetScript 返回脚本定义。
// HTTP端点: GET /scripts/{id}
func (h *Handler) GetScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "GetScript", err, logrus.Fields{"script_id": id})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateScript 部分更新脚本。
// HTTP端点: PUT /scripts/{id}
func (h *Handler) UpdateScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req domain.UpdateScriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, "UpdateScript", err, nil)
		return
	}
	s, err := h.registry.Update(r.Context(), id, &req)
	if err != nil {
		h.writeDomainError(w, r, "UpdateScript", err, logrus.Fields{"script_id": id})
		return
	}
	h.logInfo(r, "UpdateScript", "脚本更新成功", logrus.Fields{"script_id": id})
	writeJSON(w, http.StatusOK, s)
}

// DeleteScript 永久删除脚本。
// HTTP端点: DELETE /scripts/{id}
func (h *Handler) DeleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "DeleteScript", err, logrus.Fields{"script_id": id})
		return
	}
	h.logInfo(r, "DeleteScript", "脚本已删除", logrus.Fields{"script_id": id})
	writeJSON(w, http.StatusOK, MessageResponse{Message: "script deleted"})
}

// ExecuteScript 在沙箱中执行脚本。
// HTTP端点: POST /scripts/{id}/execute
//
// 请求体: {"context": {...}, "timeoutMs": 1000}
//
// 返回值：
//   - 200: 执行成功，返回执行结果
//   - 404: 脚本不存在
//   - 422: 脚本运行时出错（kind=fault）
//   - 504: 超出执行预算（kind=timeout）
func (h *Handler) ExecuteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req domain.ExecuteScriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, "ExecuteScript", err, nil)
		return
	}

	outcome, err := h.executor.Execute(r.Context(), id, &req)
	if err != nil {
		var execErr *domain.ExecutionError
		if outcome != nil && errors.As(err, &execErr) {
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
				Kind:       execErr.Kind,
				ScriptID:   execErr.ScriptID,
				State:      outcome.State,
				DurationMs: outcome.DurationMs,
			})
			return
		}
		h.writeDomainError(w, r, "ExecuteScript", err, logrus.Fields{"script_id": id})
		return
	}

	h.logDebug(r, "ExecuteScript", "脚本执行成功", logrus.Fields{
		"script_id":   id,
		"duration_ms": outcome.DurationMs,
	})
	writeJSON(w, http.StatusOK, outcome)
}
