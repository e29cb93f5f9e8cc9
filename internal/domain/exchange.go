package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Method 表示被拦截请求的 HTTP 方法。
// 只接受固定枚举中的值。
type Method string

// 支持的 HTTP 方法常量定义
const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// IsValid 检查方法是否在支持的枚举中
func (m Method) IsValid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return true
	}
	return false
}

// ParseMethod 将字符串规范化为 Method（大小写不敏感）
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", Invalid("method", "unsupported method "+s)
	}
	return m, nil
}

// Headers 是 HTTP 头的字符串映射。
type Headers map[string]string

// Clone 返回头部的独立副本。nil 映射返回 nil。
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// cloneBody 复制不透明的消息体，JSON null 视为无消息体
func cloneBody(b json.RawMessage) json.RawMessage {
	if IsEmptyBody(b) {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// IsEmptyBody 判断消息体是否缺省（空或 JSON null）
func IsEmptyBody(b json.RawMessage) bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// BodyEncoding 标记 Body 的表示方式
type BodyEncoding string

const (
	// BodyEncodingJSON 表示 Body 为 JSON 值：字符串发送其文本，其他值发送 JSON 文本
	BodyEncodingJSON BodyEncoding = ""
	// BodyEncodingBase64 表示 Body 为 base64 字符串，解码结果即线上字节
	BodyEncodingBase64 BodyEncoding = "base64"
)

// IsValid 判断编码标记是否合法
func (e BodyEncoding) IsValid() bool {
	return e == BodyEncodingJSON || e == BodyEncodingBase64
}

func validateBody(body json.RawMessage, enc BodyEncoding) error {
	if !enc.IsValid() {
		return Invalid("bodyEncoding", "must be empty or base64")
	}
	if enc == BodyEncodingBase64 && !IsEmptyBody(body) {
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return Invalid("body", "must be a base64 string when bodyEncoding is base64")
		}
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			return Invalid("body", "malformed base64")
		}
	}
	return nil
}

func cloneWire(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// HTTPRequest 是一次被拦截请求的结构化表示。
type HTTPRequest struct {
	// Method 是请求方法
	Method Method `json:"method"`
	// URL 是请求地址，可以是路径（/api/x?q=1）或绝对 URL
	URL string `json:"url"`
	// Headers 是请求头
	Headers Headers `json:"headers"`
	// Body 是不透明的请求体（任意 JSON 值）
	Body json.RawMessage `json:"body,omitempty"`
	// BodyEncoding 是 Body 的表示方式
	BodyEncoding BodyEncoding `json:"bodyEncoding,omitempty"`
	// Wire 是监听器读到的原始字节，消息体未被改写时按原样发送
	Wire []byte `json:"-"`
}

// Validate 校验请求结构：方法在枚举内、URL 非空、headers 为映射。
func (r *HTTPRequest) Validate() error {
	if r == nil {
		return Invalid("request", "missing")
	}
	if !r.Method.IsValid() {
		return Invalid("method", "must be one of GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
	}
	if strings.TrimSpace(r.URL) == "" {
		return Invalid("url", "required")
	}
	if r.Headers == nil {
		return Invalid("headers", "must be an object")
	}
	return validateBody(r.Body, r.BodyEncoding)
}

// Clone 深拷贝请求，返回值与原对象不共享任何可变状态
func (r *HTTPRequest) Clone() *HTTPRequest {
	if r == nil {
		return nil
	}
	return &HTTPRequest{
		Method:       r.Method,
		URL:          r.URL,
		Headers:      r.Headers.Clone(),
		Body:         cloneBody(r.Body),
		BodyEncoding: r.BodyEncoding,
		Wire:         cloneWire(r.Wire),
	}
}

// HTTPResponse 是一次响应（转发得到或注入）的结构化表示。
type HTTPResponse struct {
	// StatusCode 是 HTTP 状态码（100-599）
	StatusCode int `json:"statusCode"`
	// Headers 是响应头
	Headers Headers `json:"headers"`
	// Body 是不透明的响应体（任意 JSON 值）
	Body json.RawMessage `json:"body,omitempty"`
	// BodyEncoding 是 Body 的表示方式
	BodyEncoding BodyEncoding `json:"bodyEncoding,omitempty"`
	// Wire 是目标主机返回的原始字节，消息体未被改写时按原样写回
	Wire []byte `json:"-"`
}

// Validate 校验响应结构：状态码在 100-599 之间、headers 为映射。
func (r *HTTPResponse) Validate() error {
	if r == nil {
		return Invalid("response", "missing")
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return Invalid("statusCode", "must be between 100 and 599")
	}
	if r.Headers == nil {
		return Invalid("headers", "must be an object")
	}
	return validateBody(r.Body, r.BodyEncoding)
}

// Clone 深拷贝响应
func (r *HTTPResponse) Clone() *HTTPResponse {
	if r == nil {
		return nil
	}
	return &HTTPResponse{
		StatusCode:   r.StatusCode,
		Headers:      r.Headers.Clone(),
		Body:         cloneBody(r.Body),
		BodyEncoding: r.BodyEncoding,
		Wire:         cloneWire(r.Wire),
	}
}
