// Package sandbox 实现脚本沙箱执行器。
//
// 每次调用都会创建全新的隔离运行环境，脚本只能看到调用方显式注入的上下文快照，
// 无法访问宿主进程状态、文件系统、网络或其他脚本的数据。
// 执行受墙钟时间预算约束，预算耗尽时 Execute 立即返回超时，不等待运行时退出；
// 运行中的代码随后被抢占终止（JavaScript 使用解释器中断与正则匹配时限，
// WebAssembly 使用上下文关闭），不依赖脚本主动让出。
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/metrics"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultBudget 是默认执行时间预算
	DefaultBudget = 5000 * time.Millisecond
	// DefaultMaxBudget 是单次执行可请求的预算上限
	DefaultMaxBudget = 60 * time.Second
	// DefaultMaxConcurrency 是默认并发执行上限
	DefaultMaxConcurrency = 16

	maxFaultMessage = 1024
)

// Runtime 在隔离环境中运行一段代码并返回唯一的 JSON 结果。
// 实现必须在 ctx 结束时抢占正在运行的代码。
type Runtime interface {
	Run(ctx context.Context, code string, input domain.ExecutionContext) (json.RawMessage, error)
}

// ScriptSource 按 ID 解析脚本
type ScriptSource interface {
	Get(ctx context.Context, id string) (*domain.Script, error)
}

// Publisher 发布执行完成事件
type Publisher interface {
	PublishScriptExecuted(ctx context.Context, outcome *domain.ExecutionOutcome) error
}

// Config 执行器配置
type Config struct {
	// Budget 是未指定 timeoutMs 时的执行预算
	Budget time.Duration
	// MaxBudget 是 timeoutMs 允许的上限
	MaxBudget time.Duration
	// MaxConcurrency 是同时运行的执行数上限
	MaxConcurrency int
	// WasmMemoryPages 是 wasm 模块的内存页上限
	WasmMemoryPages uint32
	// JSHeapLimit 是 JavaScript 单次执行允许的堆增长字节数
	JSHeapLimit uint64
}

// Executor 解析脚本并在新的沙箱实例中执行。
type Executor struct {
	scripts  ScriptSource
	runtimes map[domain.ScriptRuntime]Runtime
	cfg      Config
	sem      chan struct{}
	events   Publisher
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	closers  []func(context.Context) error
}

// Option 配置 Executor 的可选依赖
type Option func(*Executor)

// WithRuntime 为指定运行时类型注册实现，覆盖默认实现
func WithRuntime(kind domain.ScriptRuntime, rt Runtime) Option {
	return func(e *Executor) { e.runtimes[kind] = rt }
}

// WithPublisher 设置事件发布器
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.events = p }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New 创建执行器，默认注册 javascript 与 wasm 运行时
func New(scripts ScriptSource, cfg Config, logger *logrus.Logger, opts ...Option) *Executor {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxBudget <= 0 {
		cfg.MaxBudget = DefaultMaxBudget
	}
	if cfg.MaxBudget < cfg.Budget {
		cfg.MaxBudget = cfg.Budget
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	wasm := NewWasmRuntime(cfg.WasmMemoryPages)
	e := &Executor{
		scripts: scripts,
		runtimes: map[domain.ScriptRuntime]Runtime{
			domain.RuntimeJavaScript: NewJavaScriptRuntime(cfg.JSHeapLimit, cfg.MaxBudget),
			domain.RuntimeWasm:       wasm,
		},
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		logger:  logger,
		closers: []func(context.Context) error{wasm.Close},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Budget 返回默认执行预算
func (e *Executor) Budget() time.Duration {
	return e.cfg.Budget
}

// Execute 解析脚本并在预算内执行。
//
// 成功时返回 State=Succeeded 的结果；失败时同时返回带分类的 Outcome 与 *domain.ExecutionError，
// Outcome 中不含任何部分结果。脚本不存在时返回 domain.ErrScriptNotFound。
func (e *Executor) Execute(ctx context.Context, scriptID string, req *domain.ExecuteScriptRequest) (*domain.ExecutionOutcome, error) {
	if req == nil {
		req = &domain.ExecuteScriptRequest{}
	}
	budget, err := e.budgetFor(req.TimeoutMs)
	if err != nil {
		return nil, err
	}
	if _, err := json.Marshal(req.Context); err != nil {
		return nil, domain.Invalid("context", "must be JSON serializable")
	}

	script, err := e.scripts.Get(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	rt, ok := e.runtimes[script.Runtime]
	if !ok {
		return nil, domain.Invalid("runtime", fmt.Sprintf("unsupported runtime %q", script.Runtime))
	}

	ctx, span := telemetry.StartSpan(ctx, "sandbox.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("script.id", script.ID),
		attribute.String("script.runtime", string(script.Runtime)),
		attribute.Int64("sandbox.budget_ms", budget.Milliseconds()),
	)

	outcome := &domain.ExecutionOutcome{
		ScriptID: script.ID,
		Context:  req.Context.Snapshot(),
		State:    domain.ExecutionIdle,
	}

	// 等待执行槽位，等待期间不计入预算
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		outcome.Err = &domain.ExecutionError{Kind: domain.ExecutionFault, ScriptID: script.ID, Message: "execution cancelled"}
		outcome.State = domain.ExecutionFaulted
		return outcome, outcome.Err
	}

	exec := domain.NewExecution()
	if err := exec.Transition(domain.ExecutionRunning); err != nil {
		<-e.sem
		return nil, err
	}
	e.metrics.ExecutionStarted()

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	outcome.StartedAt = time.Now().UTC()
	result, runErr := e.run(runCtx, rt, script.Code, outcome.Context.Snapshot())
	elapsed := time.Since(outcome.StartedAt)
	outcome.DurationMs = elapsed.Milliseconds()

	final, execErr := classify(ctx, runCtx, script.ID, runErr)
	if err := exec.Transition(final); err != nil {
		return nil, err
	}
	outcome.State = exec.State()
	if execErr != nil {
		outcome.Err = execErr
		telemetry.RecordError(ctx, execErr)
	} else {
		outcome.Result = result
	}

	e.metrics.RecordExecution(string(script.Runtime), string(outcome.State), float64(elapsed.Microseconds())/1000)
	e.publish(ctx, outcome)

	fields := logrus.Fields{
		"script_id":   script.ID,
		"runtime":     script.Runtime,
		"state":       outcome.State,
		"duration_ms": outcome.DurationMs,
	}
	if execErr != nil {
		e.logger.WithFields(fields).WithField("kind", execErr.Kind).Warn("Script execution failed")
		return outcome, execErr
	}
	e.logger.WithFields(fields).Debug("Script executed")
	return outcome, nil
}

type runResult struct {
	value json.RawMessage
	err   error
}

// run 在独立 goroutine 中执行脚本，ctx 结束时立即返回，不等待运行时退出。
// 执行槽位由该 goroutine 持有，直到运行时真正返回才释放。
func (e *Executor) run(ctx context.Context, rt Runtime, code string, input domain.ExecutionContext) (json.RawMessage, error) {
	done := make(chan runResult, 1)
	go func() {
		defer func() { <-e.sem }()
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("runtime panic: %v", r)}
			}
		}()
		value, err := rt.Run(ctx, code, input)
		done <- runResult{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 释放运行时共享资源（如 wasm 编译缓存）
func (e *Executor) Close(ctx context.Context) error {
	var errs []error
	for _, c := range e.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// budgetFor 计算本次执行预算：0 使用默认值，其余必须在 1..MaxBudget 之间
func (e *Executor) budgetFor(timeoutMs int) (time.Duration, error) {
	if timeoutMs == 0 {
		return e.cfg.Budget, nil
	}
	budget := time.Duration(timeoutMs) * time.Millisecond
	if timeoutMs < 0 || budget > e.cfg.MaxBudget {
		return 0, domain.Invalid("timeoutMs", fmt.Sprintf("must be between 1 and %d", e.cfg.MaxBudget.Milliseconds()))
	}
	return budget, nil
}

func (e *Executor) publish(ctx context.Context, outcome *domain.ExecutionOutcome) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishScriptExecuted(context.WithoutCancel(ctx), outcome); err != nil {
		e.logger.WithError(err).WithField("script_id", outcome.ScriptID).Warn("Failed to publish execution event")
	}
}

// classify 将运行结果归类为终态。
// 预算耗尽为超时；调用方取消为故障；其余错误均为脚本故障。
func classify(parent, runCtx context.Context, scriptID string, runErr error) (domain.ExecutionState, *domain.ExecutionError) {
	if runErr == nil {
		return domain.ExecutionSucceeded, nil
	}
	if parent.Err() != nil {
		return domain.ExecutionFaulted, &domain.ExecutionError{Kind: domain.ExecutionFault, ScriptID: scriptID, Message: "execution cancelled"}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return domain.ExecutionTimedOut, &domain.ExecutionError{Kind: domain.ExecutionTimeout, ScriptID: scriptID, Message: "execution budget exceeded"}
	}
	return domain.ExecutionFaulted, &domain.ExecutionError{Kind: domain.ExecutionFault, ScriptID: scriptID, Message: faultMessage(runErr)}
}

func faultMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxFaultMessage {
		msg = msg[:maxFaultMessage] + "..."
	}
	return msg
}
