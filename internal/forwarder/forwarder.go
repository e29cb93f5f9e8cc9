// Package forwarder 负责把修改后的请求单跳转发到配置的目标主机。
// 转发失败对本次请求是终态，不做自动重试，也不跟随重定向。
package forwarder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// 默认参数
const (
	// DefaultTimeout 是默认的转发超时
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBodyBytes 是读取目标响应体的默认上限（10MB）
	DefaultMaxBodyBytes int64 = 10 << 20
)

// ErrBodyTooLarge 表示目标响应体超过读取上限
var ErrBodyTooLarge = errors.New("upstream body too large")

// hopHeaders 是不应被转发的逐跳头部
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config 是转发器配置
type Config struct {
	// Timeout 是单次转发的超时时间
	Timeout time.Duration
	// MaxBodyBytes 是读取响应体的最大字节数
	MaxBodyBytes int64
}

// Forwarder 是单跳 HTTP 转发器
type Forwarder struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

// New 创建转发器。
// 底层客户端使用 otelhttp 传输层，把追踪上下文传播到目标主机。
func New(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Forwarder{
		client: &http.Client{
			Transport: telemetry.HTTPClientTransport(nil),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:      cfg.Timeout,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Timeout 返回转发超时
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Forward 把请求发送到 cfg.TargetHostname:cfg.TargetPort 并返回原始响应。
// 网络失败（连接拒绝、DNS 失败、超时）返回 *domain.ForwardingError。
func (f *Forwarder) Forward(ctx context.Context, req *domain.HTTPRequest, cfg *domain.ProxyConfiguration) (*domain.HTTPResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target := net.JoinHostPort(cfg.TargetHostname, strconv.Itoa(cfg.TargetPort))

	targetURL, err := buildTargetURL(target, req.URL)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "forwarder.Forward")
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("http.method", string(req.Method)),
		attribute.String("forward.target", target),
	)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, err := WireBytes(req.Wire, req.Body, req.BodyEncoding)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Invalid("url", err.Error())
	}
	for name, value := range req.Headers {
		if IsHopHeader(name) {
			continue
		}
		if strings.EqualFold(name, "Host") {
			httpReq.Host = value
			continue
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		fwdErr := &domain.ForwardingError{Target: target, Timeout: isTimeout(err), Err: err}
		telemetry.RecordError(ctx, fwdErr)
		return nil, fwdErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err == nil && int64(len(raw)) > f.maxBodyBytes {
		err = fmt.Errorf("%w: response body exceeds %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	if err != nil {
		fwdErr := &domain.ForwardingError{Target: target, Timeout: isTimeout(err), Err: err}
		telemetry.RecordError(ctx, fwdErr)
		return nil, fwdErr
	}

	telemetry.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	body, enc := DecodeBody(raw)
	return &domain.HTTPResponse{
		StatusCode:   resp.StatusCode,
		Headers:      FlattenHeaders(resp.Header),
		Body:         body,
		BodyEncoding: enc,
		Wire:         raw,
	}, nil
}

// buildTargetURL 取请求 URL 的路径和查询部分，拼接到目标地址上
func buildTargetURL(target, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", domain.Invalid("url", "cannot parse url")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	out := "http://" + target + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}

// EncodeBody 把消息体转换为线上字节：
// base64 编码的消息体发送解码后的字节；否则 JSON 字符串发送其原始文本，
// 其他值发送 JSON 文本，缺省则为空
func EncodeBody(body json.RawMessage, enc domain.BodyEncoding) ([]byte, error) {
	if domain.IsEmptyBody(body) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(body)
	if enc == domain.BodyEncodingBase64 {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, domain.Invalid("body", "must be a base64 string")
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, domain.Invalid("body", "malformed base64")
		}
		return raw, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, domain.Invalid("body", "malformed JSON string")
		}
		return []byte(s), nil
	}
	if !json.Valid(trimmed) {
		return nil, domain.Invalid("body", "malformed JSON")
	}
	return trimmed, nil
}

// DecodeBody 把线上字节转换为消息体视图：
// 非字符串的 JSON 值原样保留，其他 UTF-8 文本编码为 JSON 字符串，
// 其余内容（二进制、含 NUL 的文本）编码为 base64 字符串
func DecodeBody(raw []byte) (json.RawMessage, domain.BodyEncoding) {
	if len(raw) == 0 {
		return nil, domain.BodyEncodingJSON
	}
	trimmed := bytes.TrimSpace(raw)
	// JSONB 不接受 \u0000，这类消息体与二进制同样处理
	hasNUL := bytes.IndexByte(raw, 0) >= 0 || bytes.Contains(raw, []byte(`\u0000`))
	if !hasNUL && utf8.Valid(raw) {
		// 线上的 JSON 字符串按文本保存
		if len(trimmed) > 0 && trimmed[0] != '"' && json.Valid(trimmed) {
			return json.RawMessage(trimmed), domain.BodyEncodingJSON
		}
		encoded, _ := json.Marshal(string(raw))
		return encoded, domain.BodyEncodingJSON
	}
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(raw))
	return encoded, domain.BodyEncodingBase64
}

// WireBytes 返回应发送的字节：保留了原始字节时原样返回，否则由消息体编码得到
func WireBytes(wire []byte, body json.RawMessage, enc domain.BodyEncoding) ([]byte, error) {
	if wire != nil {
		return wire, nil
	}
	return EncodeBody(body, enc)
}

// FlattenHeaders 将多值头部合并为逗号分隔的单值
func FlattenHeaders(h http.Header) domain.Headers {
	out := make(domain.Headers, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// IsHopHeader 判断头部是否为逐跳头部
func IsHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// isTimeout 判断网络错误是否由超时引起
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

