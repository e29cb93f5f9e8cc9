package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionState 表示一次脚本执行的状态。
// 状态机：Idle → Running → {Succeeded | TimedOut | Faulted}，终态不可再迁移。
type ExecutionState string

// 执行状态常量定义
const (
	// ExecutionIdle 表示执行尚未开始
	ExecutionIdle ExecutionState = "idle"
	// ExecutionRunning 表示脚本正在运行
	ExecutionRunning ExecutionState = "running"
	// ExecutionSucceeded 表示脚本成功返回结果
	ExecutionSucceeded ExecutionState = "succeeded"
	// ExecutionTimedOut 表示脚本超出时间预算被终止
	ExecutionTimedOut ExecutionState = "timed_out"
	// ExecutionFaulted 表示脚本运行时出错
	ExecutionFaulted ExecutionState = "faulted"
)

// IsTerminal 判断状态是否为终态
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionSucceeded || s == ExecutionTimedOut || s == ExecutionFaulted
}

// ExecutionContext 是注入沙箱的显式能力映射。
// 脚本只能访问其中存在的键。
type ExecutionContext map[string]any

// Snapshot 返回上下文的浅拷贝
func (c ExecutionContext) Snapshot() ExecutionContext {
	out := make(ExecutionContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ExecuteScriptRequest 表示执行脚本的请求结构体。
type ExecuteScriptRequest struct {
	// Context 是注入脚本的上下文对象
	Context ExecutionContext `json:"context"`
	// TimeoutMs 是可选的执行预算覆盖值（毫秒）
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// ExecutionOutcome 是一次执行的瞬时结果，不持久化。
// 成功时只有 Result，失败时只有 Err，二者不会同时出现。
type ExecutionOutcome struct {
	// ScriptID 是被执行脚本的 ID
	ScriptID string `json:"scriptId"`
	// Context 是提交时的上下文快照
	Context ExecutionContext `json:"context"`
	// State 是执行的终态
	State ExecutionState `json:"state"`
	// Result 是成功时的唯一结果值
	Result json.RawMessage `json:"result,omitempty"`
	// DurationMs 是执行耗时（毫秒）
	DurationMs int64 `json:"durationMs"`
	// StartedAt 是执行开始时间
	StartedAt time.Time `json:"startedAt"`
	// Err 是分类后的失败（不序列化）
	Err *ExecutionError `json:"-"`
}

// Execution 跟踪单次执行的状态迁移。每次调用都创建新实例，不跨调用复用。
type Execution struct {
	state ExecutionState
}

// NewExecution 创建一个处于 Idle 状态的执行
func NewExecution() *Execution {
	return &Execution{state: ExecutionIdle}
}

// State 返回当前状态
func (e *Execution) State() ExecutionState {
	return e.state
}

// Transition 迁移到目标状态。
// 只允许 Idle → Running 以及 Running → 终态。
func (e *Execution) Transition(to ExecutionState) error {
	switch {
	case e.state == ExecutionIdle && to == ExecutionRunning:
	case e.state == ExecutionRunning && to.IsTerminal():
	default:
		return fmt.Errorf("invalid execution transition %s -> %s", e.state, to)
	}
	e.state = to
	return nil
}
