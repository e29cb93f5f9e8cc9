package modifier

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/oriys/interceptor/internal/domain"
)

func newRequest() *domain.HTTPRequest {
	return &domain.HTTPRequest{
		Method:  domain.MethodPost,
		URL:     "/orders?x=1",
		Headers: domain.Headers{"Content-Type": "application/json", "X-Debug": "1"},
		Body:    json.RawMessage(`{"item":{"id":7},"qty":1}`),
	}
}

// TestModifyRequest_IndependentOfInput 测试返回值与输入之间没有共享状态
func TestModifyRequest_IndependentOfInput(t *testing.T) {
	m := New()
	raw := newRequest()

	out, err := m.ModifyRequest(raw, nil)
	if err != nil {
		t.Fatalf("ModifyRequest() error = %v", err)
	}

	raw.Method = domain.MethodDelete
	raw.URL = "/changed"
	raw.Headers["X-Debug"] = "2"
	raw.Headers["X-New"] = "y"
	raw.Body[2] = 'X'

	if out.Method != domain.MethodPost || out.URL != "/orders?x=1" {
		t.Errorf("scalar fields changed: %s %s", out.Method, out.URL)
	}
	if out.Headers["X-Debug"] != "1" || len(out.Headers) != 2 {
		t.Errorf("headers changed: %v", out.Headers)
	}
	if string(out.Body) != `{"item":{"id":7},"qty":1}` {
		t.Errorf("body changed: %s", out.Body)
	}
}

func TestModifyRequest_InvalidShape(t *testing.T) {
	m := New()
	tests := []struct {
		name string
		req  *domain.HTTPRequest
	}{
		{"bad method", &domain.HTTPRequest{Method: "FETCH", URL: "/", Headers: domain.Headers{}}},
		{"missing url", &domain.HTTPRequest{Method: domain.MethodGet, Headers: domain.Headers{}}},
		{"nil headers", &domain.HTTPRequest{Method: domain.MethodGet, URL: "/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ModifyRequest(tt.req, nil); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

// TestModifyRequest_Rules 测试请求规则的各类键
func TestModifyRequest_Rules(t *testing.T) {
	m := New()
	rules := domain.Rules{
		"method":          json.RawMessage(`"put"`),
		"$.url":           json.RawMessage(`"/v2/orders"`),
		"headers.X-Debug": json.RawMessage(`null`),
		"headers.X-Trace": json.RawMessage(`"abc"`),
		"headers.X-Retry": json.RawMessage(`3`),
		"body.item.name":  json.RawMessage(`"widget"`),
		"unknownKey":      json.RawMessage(`true`),
	}

	out, err := m.ModifyRequest(newRequest(), rules)
	if err != nil {
		t.Fatalf("ModifyRequest() error = %v", err)
	}
	if out.Method != domain.MethodPut {
		t.Errorf("Method = %s, want PUT", out.Method)
	}
	if out.URL != "/v2/orders" {
		t.Errorf("URL = %s", out.URL)
	}
	if _, ok := out.Headers["X-Debug"]; ok {
		t.Error("X-Debug should be deleted")
	}
	if out.Headers["X-Trace"] != "abc" || out.Headers["X-Retry"] != "3" {
		t.Errorf("headers = %v", out.Headers)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(out.Body, &body); err != nil {
		t.Fatal(err)
	}
	item := body["item"].(map[string]interface{})
	if item["name"] != "widget" || item["id"] != float64(7) || body["qty"] != float64(1) {
		t.Errorf("body = %s", out.Body)
	}
}

func TestModifyRequest_BodyReplaceThenMerge(t *testing.T) {
	m := New()
	rules := domain.Rules{
		"body.flag": json.RawMessage(`true`),
		"body":      json.RawMessage(`{"fresh":1}`),
	}
	out, err := m.ModifyRequest(newRequest(), rules)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(out.Body, &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 2 || body["fresh"] != float64(1) || body["flag"] != true {
		t.Errorf("body = %s", out.Body)
	}
}

func TestModifyRequest_BadRuleValue(t *testing.T) {
	m := New()
	if _, err := m.ModifyRequest(newRequest(), domain.Rules{"method": json.RawMessage(`"BREW"`)}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := m.ModifyRequest(newRequest(), domain.Rules{"headers.X": json.RawMessage(`{"a":1}`)}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for object header, got %v", err)
	}
}

// TestModifyResponse 测试响应校验与规则
func TestModifyResponse(t *testing.T) {
	m := New()

	if _, err := m.ModifyResponse(&domain.HTTPResponse{StatusCode: 700, Headers: domain.Headers{}}, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for 700, got %v", err)
	}

	raw := &domain.HTTPResponse{StatusCode: 200, Headers: domain.Headers{"server": "nginx"}, Body: json.RawMessage(`"plain"`)}
	out, err := m.ModifyResponse(raw, domain.Rules{
		"statusCode":     json.RawMessage(`201`),
		"headers.Server": json.RawMessage(`"interceptor"`),
		"body.ok":        json.RawMessage(`true`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.StatusCode != 201 {
		t.Errorf("StatusCode = %d", out.StatusCode)
	}
	if len(out.Headers) != 1 || out.Headers["Server"] != "interceptor" {
		t.Errorf("headers = %v", out.Headers)
	}
	if string(out.Body) != `{"ok":true}` {
		t.Errorf("body = %s", out.Body)
	}
	if raw.StatusCode != 200 || raw.Headers["server"] != "nginx" {
		t.Error("input response was mutated")
	}
}

// TestInjectResponse_Verbatim 测试注入响应原样返回
func TestInjectResponse_Verbatim(t *testing.T) {
	m := New()
	spec := &domain.HTTPResponse{
		StatusCode: 200,
		Headers:    domain.Headers{"Content-Type": "application/json"},
		Body:       json.RawMessage(`{"data":"bar"}`),
	}

	out, err := m.InjectResponse(spec)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := json.Marshal(out)
	want := `{"statusCode":200,"headers":{"Content-Type":"application/json"},"body":{"data":"bar"}}`
	if string(got) != want {
		t.Errorf("InjectResponse() = %s, want %s", got, want)
	}

	spec.Headers["Content-Type"] = "text/plain"
	if out.Headers["Content-Type"] != "application/json" {
		t.Error("injected response shares headers with spec")
	}

	if _, err := m.InjectResponse(&domain.HTTPResponse{StatusCode: 42, Headers: domain.Headers{}}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	if err := ValidateRequestRules(domain.Rules{"url": json.RawMessage(`""`)}); err == nil {
		t.Error("empty url rule should be rejected")
	}
	if err := ValidateResponseRules(domain.Rules{"statusCode": json.RawMessage(`"200"`)}); err == nil {
		t.Error("string statusCode rule should be rejected")
	}
	if err := ValidateResponseRules(domain.Rules{"headers.X": json.RawMessage(`"1"`)}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
