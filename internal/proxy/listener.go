package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/forwarder"
	"github.com/sirupsen/logrus"
)

// Listener 是拦截监听器的 HTTP 处理器。
// 每个入站请求都经过交换管道，最终响应写回客户端。
type Listener struct {
	pipeline     *Pipeline
	maxBodyBytes int64
	logger       *logrus.Logger
}

// NewListener 创建拦截监听器
func NewListener(p *Pipeline, maxBodyBytes int64, logger *logrus.Logger) *Listener {
	if maxBodyBytes <= 0 {
		maxBodyBytes = forwarder.DefaultMaxBodyBytes
	}
	return &Listener{pipeline: p, maxBodyBytes: maxBodyBytes, logger: logger}
}

// ServeHTTP 实现 http.Handler
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method, err := domain.ParseMethod(r.Method)
	if err != nil {
		writeProxyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProxyError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeProxyError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	headers := make(domain.Headers, len(r.Header))
	for name, value := range forwarder.FlattenHeaders(r.Header) {
		// 压缩协商交给转发器的传输层，记录的消息体始终是解压后的内容
		if forwarder.IsHopHeader(name) || strings.EqualFold(name, "Accept-Encoding") {
			continue
		}
		headers[name] = value
	}

	body, enc := forwarder.DecodeBody(raw)
	req := &domain.HTTPRequest{
		Method:       method,
		URL:          r.URL.RequestURI(),
		Headers:      headers,
		Body:         body,
		BodyEncoding: enc,
		Wire:         raw,
	}

	res, err := l.pipeline.Exchange(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrForwarding):
			writeProxyError(w, http.StatusBadGateway, "upstream unavailable")
		case errors.Is(err, domain.ErrInvalidInput):
			writeProxyError(w, http.StatusBadRequest, err.Error())
		default:
			l.logger.WithFields(logrus.Fields{
				"method": req.Method,
				"url":    req.URL,
				"error":  err.Error(),
			}).Error("Proxy exchange failed")
			writeProxyError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeExchangeResponse(w, res.Response)
}

// writeExchangeResponse 把领域响应写回客户端。
// 消息体未被规则改写时写回目标主机的原始字节；Content-Length 按实际写出的消息体重新计算。
func writeExchangeResponse(w http.ResponseWriter, resp *domain.HTTPResponse) {
	body, err := forwarder.WireBytes(resp.Wire, resp.Body, resp.BodyEncoding)
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, "invalid response body")
		return
	}
	for name, value := range resp.Headers {
		if forwarder.IsHopHeader(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
