package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/oriys/interceptor/internal/domain"
)

// targetConfig 将 httptest 服务器地址转换为代理配置
func targetConfig(t *testing.T, server *httptest.Server) *domain.ProxyConfiguration {
	t.Helper()
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return &domain.ProxyConfiguration{TargetHostname: host, TargetPort: port}
}

func TestForward_RoundTrip(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotHeader, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Test")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	f := New(Config{})
	req := &domain.HTTPRequest{
		Method:  domain.MethodPost,
		URL:     "http://ignored.example/items?limit=2",
		Headers: domain.Headers{"X-Test": "yes", "Connection": "close"},
		Body:    json.RawMessage(`{"name":"a"}`),
	}

	resp, err := f.Forward(context.Background(), req, targetConfig(t, server))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotMethod != "POST" || gotPath != "/items" || gotQuery != "limit=2" {
		t.Errorf("target saw %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotHeader != "yes" {
		t.Errorf("X-Test header = %q", gotHeader)
	}
	if gotBody != `{"name":"a"}` {
		t.Errorf("body = %q", gotBody)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if resp.Headers["X-Multi"] != "a, b" {
		t.Errorf("X-Multi = %q", resp.Headers["X-Multi"])
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Body = %s", resp.Body)
	}
}

func TestForward_StringBodiesAndPlainResponses(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte("hello world"))
	}))
	defer server.Close()

	req := &domain.HTTPRequest{
		Method:  domain.MethodPut,
		URL:     "/text",
		Headers: domain.Headers{},
		Body:    json.RawMessage(`"raw text"`),
	}
	resp, err := New(Config{}).Forward(context.Background(), req, targetConfig(t, server))
	if err != nil {
		t.Fatal(err)
	}
	if gotBody != "raw text" {
		t.Errorf("target body = %q", gotBody)
	}
	if string(resp.Body) != `"hello world"` {
		t.Errorf("response body = %s", resp.Body)
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	req := &domain.HTTPRequest{Method: domain.MethodGet, URL: "/", Headers: domain.Headers{}}
	resp, err := New(Config{}).Forward(context.Background(), req, targetConfig(t, server))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusFound || resp.Headers["Location"] != "/elsewhere" {
		t.Errorf("got %d location %q", resp.StatusCode, resp.Headers["Location"])
	}
}

// TestForward_ConnectionRefused 测试目标不可达时返回 ForwardingError
func TestForward_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	cfg := targetConfig(t, server)
	server.Close()

	req := &domain.HTTPRequest{Method: domain.MethodGet, URL: "/", Headers: domain.Headers{}}
	_, err := New(Config{}).Forward(context.Background(), req, cfg)
	if !errors.Is(err, domain.ErrForwarding) {
		t.Fatalf("expected ErrForwarding, got %v", err)
	}
	var fwdErr *domain.ForwardingError
	if !errors.As(err, &fwdErr) || fwdErr.Timeout {
		t.Errorf("expected non-timeout ForwardingError, got %#v", err)
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	req := &domain.HTTPRequest{Method: domain.MethodGet, URL: "/slow", Headers: domain.Headers{}}
	start := time.Now()
	_, err := New(Config{Timeout: 100 * time.Millisecond}).Forward(context.Background(), req, targetConfig(t, server))

	var fwdErr *domain.ForwardingError
	if !errors.As(err, &fwdErr) || !fwdErr.Timeout {
		t.Fatalf("expected timeout ForwardingError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestBuildTargetURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/a/b?c=d", "http://h:1/a/b?c=d"},
		{"https://other.example/x", "http://h:1/x"},
		{"relative", "http://h:1/relative"},
		{"http://other.example", "http://h:1/"},
	}
	for _, tt := range tests {
		got, err := buildTargetURL("h:1", tt.in)
		if err != nil {
			t.Fatalf("buildTargetURL(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("buildTargetURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForward_BodyOverLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 65)))
	}))
	defer server.Close()

	req := &domain.HTTPRequest{Method: domain.MethodGet, URL: "/big", Headers: domain.Headers{}}
	resp, err := New(Config{MaxBodyBytes: 64}).Forward(context.Background(), req, targetConfig(t, server))
	if resp != nil {
		t.Errorf("truncated response delivered: %+v", resp)
	}
	var fwdErr *domain.ForwardingError
	if !errors.As(err, &fwdErr) || !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ForwardingError wrapping ErrBodyTooLarge, got %v", err)
	}
}

func TestForward_BodyAtLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	req := &domain.HTTPRequest{Method: domain.MethodGet, URL: "/", Headers: domain.Headers{}}
	resp, err := New(Config{MaxBodyBytes: 64}).Forward(context.Background(), req, targetConfig(t, server))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if len(resp.Wire) != 64 {
		t.Errorf("wire length = %d, want 64", len(resp.Wire))
	}
}

func TestForward_Base64RequestBody(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	req := &domain.HTTPRequest{
		Method:       domain.MethodPost,
		URL:          "/",
		Headers:      domain.Headers{},
		Body:         json.RawMessage(`"AAH/"`),
		BodyEncoding: domain.BodyEncodingBase64,
	}
	if _, err := New(Config{}).Forward(context.Background(), req, targetConfig(t, server)); err != nil {
		t.Fatal(err)
	}
	if string(gotBody) != "\x00\x01\xff" {
		t.Errorf("target body = %q", gotBody)
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantBody string
		wantEnc  domain.BodyEncoding
	}{
		{"empty", "", "", domain.BodyEncodingJSON},
		{"object", `{"a":1}`, `{"a":1}`, domain.BodyEncodingJSON},
		{"object with newline", "{\"a\":1}\n", `{"a":1}`, domain.BodyEncodingJSON},
		{"json string kept as text", `"abc"`, `"\"abc\""`, domain.BodyEncodingJSON},
		{"plain text", " hi ", `" hi "`, domain.BodyEncodingJSON},
		{"invalid utf8", "\xff\xfe", `"//4="`, domain.BodyEncodingBase64},
		{"nul byte", "a\x00b", `"YQBi"`, domain.BodyEncodingBase64},
		{"escaped nul", `{"a":"\u0000"}`, `"eyJhIjoiXHUwMDAwIn0="`, domain.BodyEncodingBase64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, enc := DecodeBody([]byte(tt.raw))
			if string(body) != tt.wantBody || enc != tt.wantEnc {
				t.Errorf("DecodeBody(%q) = %s/%q, want %s/%q", tt.raw, body, enc, tt.wantBody, tt.wantEnc)
			}
			if tt.raw == "" || tt.name == "object with newline" {
				return
			}
			wire, err := EncodeBody(body, enc)
			if err != nil {
				t.Fatalf("EncodeBody() error = %v", err)
			}
			if string(wire) != tt.raw {
				t.Errorf("EncodeBody() = %q, want %q", wire, tt.raw)
			}
		})
	}
}
