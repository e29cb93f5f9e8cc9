// Package domain 定义了流量拦截与脚本沙箱平台的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息。
// 每个具体错误都归属于一个错误类别，调用方通过 errors.Is 按类别判断。

var (
	// ========== 错误类别 ==========

	// ErrInvalidInput 表示请求/响应/脚本的结构不合法（客户端错误，不可重试）
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateName 表示脚本名称冲突
	ErrDuplicateName = errors.New("duplicate name")
	// ErrNotFound 表示请求的资源不存在
	ErrNotFound = errors.New("not found")
	// ErrForwarding 表示转发到目标主机时发生网络错误
	ErrForwarding = errors.New("forwarding failed")
	// ErrExecution 表示沙箱执行失败（超时或运行时错误）
	ErrExecution = errors.New("execution failed")
	// ErrPersistence 表示存储层故障
	ErrPersistence = errors.New("persistence failure")

	// ========== 资源不存在 ==========

	// ErrScriptNotFound 表示请求的脚本不存在
	ErrScriptNotFound = fmt.Errorf("script %w", ErrNotFound)
	// ErrTrafficNotFound 表示请求的流量记录不存在
	ErrTrafficNotFound = fmt.Errorf("traffic record %w", ErrNotFound)
	// ErrConfigNotFound 表示代理配置尚未初始化
	ErrConfigNotFound = fmt.Errorf("proxy configuration %w", ErrNotFound)

	// ========== 名称冲突 ==========

	// ErrScriptExists 表示尝试创建或重命名的脚本名称已被占用
	ErrScriptExists = fmt.Errorf("script name already exists: %w", ErrDuplicateName)
)

// ValidationError 描述某个字段未通过校验。
// 它总是归类为 ErrInvalidInput。
type ValidationError struct {
	// Field 是未通过校验的字段名
	Field string
	// Reason 是人类可读的失败原因
	Reason string
}

// Error 实现 error 接口
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// Unwrap 返回错误类别，使 errors.Is(err, ErrInvalidInput) 成立
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Invalid 创建一个字段校验错误
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ForwardingError 表示请求无法送达目标主机（连接拒绝、DNS 失败、超时）。
// 该错误对本次请求是终态的，本层不做自动重试。
type ForwardingError struct {
	// Target 是目标地址（host:port）
	Target string
	// Timeout 表示失败是否由转发超时引起
	Timeout bool
	// Err 是底层网络错误
	Err error
}

// Error 实现 error 接口
func (e *ForwardingError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("forwarding to %s timed out: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("forwarding to %s failed: %v", e.Target, e.Err)
}

// Unwrap 返回底层网络错误
func (e *ForwardingError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrForwarding) 成立
func (e *ForwardingError) Is(target error) bool { return target == ErrForwarding }

// PersistenceError 表示存储层故障。
type PersistenceError struct {
	// Op 是失败的存储操作名称（如 "insert traffic"）
	Op string
	// Err 是底层存储错误
	Err error
}

// Error 实现 error 接口
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap 返回底层存储错误
func (e *PersistenceError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrPersistence) 成立
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence 将存储错误包装为 PersistenceError。
// 已经分类过的领域错误（不存在、名称冲突等）原样返回。
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateName) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ExecutionErrorKind 表示沙箱执行失败的分类
type ExecutionErrorKind string

const (
	// ExecutionTimeout 表示脚本超出了执行时间预算
	ExecutionTimeout ExecutionErrorKind = "timeout"
	// ExecutionFault 表示脚本在运行时抛出了错误
	ExecutionFault ExecutionErrorKind = "fault"
)

// ExecutionError 表示一次脚本执行的分类失败。
// 执行是原子的：出现 ExecutionError 时不会返回任何部分结果。
type ExecutionError struct {
	// Kind 是失败分类
	Kind ExecutionErrorKind
	// ScriptID 是执行的脚本 ID
	ScriptID string
	// Message 是失败原因
	Message string
}

// Error 实现 error 接口
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("script %s execution %s: %s", e.ScriptID, e.Kind, e.Message)
}

// Is 使 errors.Is(err, ErrExecution) 成立
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// IsTimeout 判断错误是否为执行超时
func IsTimeout(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Kind == ExecutionTimeout
}
