// Package modifier 实现流量修改器：请求/响应的校验、深拷贝与规则改写，以及响应注入。
// 修改器是纯变换逻辑，不持有任何状态，也不会发起网络调用。
package modifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/oriys/interceptor/internal/domain"
)

// 规则键前缀
const (
	headerPrefix = "headers."
	bodyPrefix   = "body."
)

// ruleTarget 表示规则集合作用的对象类型
type ruleTarget int

const (
	targetRequest ruleTarget = iota
	targetResponse
)

// Modifier 是流量修改器
type Modifier struct{}

// New 创建修改器实例
func New() *Modifier {
	return &Modifier{}
}

// ModifyRequest 校验请求结构，返回应用规则后的深拷贝。
// 返回值与 raw 不共享可变状态，调用方之后修改 raw 不会影响结果。
func (m *Modifier) ModifyRequest(raw *domain.HTTPRequest, rules domain.Rules) (*domain.HTTPRequest, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	out := raw.Clone()

	for _, key := range sortedKeys(rules) {
		value := rules[key]
		path := normalizePath(key)
		switch {
		case path == "method":
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return nil, domain.Invalid(key, "must be a string")
			}
			method, err := domain.ParseMethod(s)
			if err != nil {
				return nil, err
			}
			out.Method = method
		case path == "url":
			var s string
			if err := json.Unmarshal(value, &s); err != nil || strings.TrimSpace(s) == "" {
				return nil, domain.Invalid(key, "must be a non-empty string")
			}
			out.URL = s
		case strings.HasPrefix(path, headerPrefix):
			if err := applyHeader(out.Headers, path[len(headerPrefix):], value); err != nil {
				return nil, domain.Invalid(key, err.Error())
			}
		case path == "body" || strings.HasPrefix(path, bodyPrefix):
			body, err := applyBody(out.Body, path, value)
			if err != nil {
				return nil, domain.Invalid(key, err.Error())
			}
			out.Body = body
			out.BodyEncoding = domain.BodyEncodingJSON
			out.Wire = nil
		}
	}
	return out, nil
}

// ModifyResponse 校验响应结构（状态码 100-599），返回应用规则后的深拷贝。
func (m *Modifier) ModifyResponse(raw *domain.HTTPResponse, rules domain.Rules) (*domain.HTTPResponse, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	out := raw.Clone()

	for _, key := range sortedKeys(rules) {
		value := rules[key]
		path := normalizePath(key)
		switch {
		case path == "statusCode":
			var code int
			if err := json.Unmarshal(value, &code); err != nil || code < 100 || code > 599 {
				return nil, domain.Invalid(key, "must be an integer between 100 and 599")
			}
			out.StatusCode = code
		case strings.HasPrefix(path, headerPrefix):
			if err := applyHeader(out.Headers, path[len(headerPrefix):], value); err != nil {
				return nil, domain.Invalid(key, err.Error())
			}
		case path == "body" || strings.HasPrefix(path, bodyPrefix):
			body, err := applyBody(out.Body, path, value)
			if err != nil {
				return nil, domain.Invalid(key, err.Error())
			}
			out.Body = body
			out.BodyEncoding = domain.BodyEncodingJSON
			out.Wire = nil
		}
	}
	return out, nil
}

// InjectResponse 校验注入的响应并原样返回其副本，作为最终响应。
// 不会触发任何转发。
func (m *Modifier) InjectResponse(spec *domain.HTTPResponse) (*domain.HTTPResponse, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec.Clone(), nil
}

// ValidateRequestRules 检查请求规则值的类型是否正确，供配置更新时提前拒绝坏规则
func ValidateRequestRules(rules domain.Rules) error {
	return validateRules(rules, targetRequest)
}

// ValidateResponseRules 检查响应规则值的类型是否正确
func ValidateResponseRules(rules domain.Rules) error {
	return validateRules(rules, targetResponse)
}

func validateRules(rules domain.Rules, target ruleTarget) error {
	m := New()
	var err error
	if target == targetRequest {
		blank := &domain.HTTPRequest{Method: domain.MethodGet, URL: "/", Headers: domain.Headers{}}
		_, err = m.ModifyRequest(blank, rules)
	} else {
		blank := &domain.HTTPResponse{StatusCode: 200, Headers: domain.Headers{}}
		_, err = m.ModifyResponse(blank, rules)
	}
	return err
}

// sortedKeys 返回按字典序排列的规则键，保证 "body" 整体替换先于 "body.x" 合并
func sortedKeys(rules domain.Rules) []string {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return normalizePath(keys[i]) < normalizePath(keys[j])
	})
	return keys
}

// applyHeader 设置或删除一个头部。null 删除，字符串原样设置，其他标量使用其 JSON 文本。
func applyHeader(headers domain.Headers, name string, value json.RawMessage) error {
	if name == "" {
		return fmt.Errorf("header name is empty")
	}
	trimmed := bytes.TrimSpace(value)
	if domain.IsEmptyBody(trimmed) {
		deleteHeader(headers, name)
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		deleteHeader(headers, name)
		headers[name] = s
	case '{', '[':
		return fmt.Errorf("header value must be a scalar")
	default:
		deleteHeader(headers, name)
		headers[name] = string(trimmed)
	}
	return nil
}

// deleteHeader 按大小写不敏感的方式删除头部
func deleteHeader(headers domain.Headers, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}

// applyBody 整体替换消息体，或将值合并到 JSON 对象消息体的某个路径
func applyBody(body json.RawMessage, path string, value json.RawMessage) (json.RawMessage, error) {
	if path == "body" {
		if domain.IsEmptyBody(value) {
			return nil, nil
		}
		out := make(json.RawMessage, len(value))
		copy(out, value)
		return out, nil
	}

	subPath := path[len(bodyPrefix):]
	if subPath == "" {
		return nil, fmt.Errorf("body path is empty")
	}

	var current interface{}
	if !domain.IsEmptyBody(body) {
		if err := json.Unmarshal(body, &current); err != nil {
			return nil, fmt.Errorf("body is not valid JSON: %w", err)
		}
	}
	var v interface{}
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, fmt.Errorf("value is not valid JSON: %w", err)
	}

	merged := mergeAtPath(current, v, subPath)
	return json.Marshal(merged)
}
