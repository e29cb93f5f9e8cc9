package domain

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"
)

// ScriptRuntime 表示脚本代码的执行引擎类型。
type ScriptRuntime string

// 支持的脚本运行时常量定义
const (
	// RuntimeJavaScript 表示 JavaScript 脚本（默认）
	RuntimeJavaScript ScriptRuntime = "javascript"
	// RuntimeWasm 表示 base64 编码的 WebAssembly 模块
	RuntimeWasm ScriptRuntime = "wasm"
)

// IsValid 检查运行时是否受支持
func (r ScriptRuntime) IsValid() bool {
	return r == RuntimeJavaScript || r == RuntimeWasm
}

// 脚本约束常量
const (
	// MaxScriptNameLength 是脚本名称的最大长度
	MaxScriptNameLength = 128
	// MaxScriptCodeSize 是脚本代码的最大大小（512KB）
	MaxScriptCodeSize = 512 * 1024
	// MaxScriptDescriptionLength 是脚本描述的最大长度
	MaxScriptDescriptionLength = 1024
)

// scriptNamePattern 限定名称字符集为字母、数字、下划线和连字符
var scriptNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateScriptName 校验脚本名称字符集与长度
func ValidateScriptName(name string) error {
	if name == "" {
		return Invalid("name", "required")
	}
	if len(name) > MaxScriptNameLength {
		return Invalid("name", "too long")
	}
	if !scriptNamePattern.MatchString(name) {
		return Invalid("name", "may only contain letters, digits, underscore and hyphen")
	}
	return nil
}

// validateCode 校验代码非空、大小与运行时匹配
func validateCode(runtime ScriptRuntime, code string) error {
	if strings.TrimSpace(code) == "" {
		return Invalid("code", "required")
	}
	if len(code) > MaxScriptCodeSize {
		return Invalid("code", "exceeds maximum size")
	}
	if runtime == RuntimeWasm {
		if _, err := base64.StdEncoding.DecodeString(code); err != nil {
			return Invalid("code", "wasm code must be base64 encoded")
		}
	}
	return nil
}

// Script 是一个已注册的脚本定义。
// 名称在整个注册表中唯一，创建和更新时都会强制校验。
type Script struct {
	// ID 是脚本的唯一标识符
	ID string `json:"id"`
	// Name 是脚本名称（唯一）
	Name string `json:"name"`
	// Description 是脚本描述
	Description string `json:"description"`
	// Code 是不透明的代码文本
	Code string `json:"code"`
	// Runtime 是执行引擎
	Runtime ScriptRuntime `json:"runtime"`
	// CreatedAt 是创建时间
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt 是最后更新时间
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone 返回脚本的副本
func (s *Script) Clone() *Script {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// CreateScriptRequest 表示创建脚本的请求结构体。
type CreateScriptRequest struct {
	// Name 是脚本名称
	Name string `json:"name"`
	// Description 是脚本描述
	Description string `json:"description"`
	// Code 是脚本代码
	Code string `json:"code"`
	// Runtime 是执行引擎，缺省为 javascript
	Runtime ScriptRuntime `json:"runtime,omitempty"`
}

// Validate 验证创建请求的参数，并填充运行时默认值
func (r *CreateScriptRequest) Validate() error {
	if err := ValidateScriptName(r.Name); err != nil {
		return err
	}
	if len(r.Description) > MaxScriptDescriptionLength {
		return Invalid("description", "too long")
	}
	if r.Runtime == "" {
		r.Runtime = RuntimeJavaScript
	}
	if !r.Runtime.IsValid() {
		return Invalid("runtime", "must be javascript or wasm")
	}
	return validateCode(r.Runtime, r.Code)
}

// UpdateScriptRequest 表示更新脚本的请求结构体。
// 所有字段都是指针类型，只更新非 nil 的字段。
type UpdateScriptRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Code        *string        `json:"code,omitempty"`
	Runtime     *ScriptRuntime `json:"runtime,omitempty"`
}

// IsEmpty 判断是否没有任何待更新字段
func (r *UpdateScriptRequest) IsEmpty() bool {
	return r.Name == nil && r.Description == nil && r.Code == nil && r.Runtime == nil
}

// Apply 将更新字段应用到脚本副本上并校验结果。
// 原脚本不会被修改。
func (r *UpdateScriptRequest) Apply(current *Script) (*Script, error) {
	next := current.Clone()
	if r.Name != nil {
		if err := ValidateScriptName(*r.Name); err != nil {
			return nil, err
		}
		next.Name = *r.Name
	}
	if r.Description != nil {
		if len(*r.Description) > MaxScriptDescriptionLength {
			return nil, Invalid("description", "too long")
		}
		next.Description = *r.Description
	}
	if r.Runtime != nil {
		if !r.Runtime.IsValid() {
			return nil, Invalid("runtime", "must be javascript or wasm")
		}
		next.Runtime = *r.Runtime
	}
	if r.Code != nil {
		next.Code = *r.Code
	}
	// 代码或运行时变化后重新校验两者的一致性
	if r.Code != nil || r.Runtime != nil {
		if err := validateCode(next.Runtime, next.Code); err != nil {
			return nil, err
		}
	}
	return next, nil
}
