package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/sirupsen/logrus"
)

type mapSource map[string]*domain.Script

func (m mapSource) Get(ctx context.Context, id string) (*domain.Script, error) {
	s, ok := m[id]
	if !ok {
		return nil, domain.ErrScriptNotFound
	}
	return s.Clone(), nil
}

func jsScript(id, code string) *domain.Script {
	return &domain.Script{ID: id, Name: id, Code: code, Runtime: domain.RuntimeJavaScript}
}

func newTestExecutor(src mapSource, cfg Config, opts ...Option) *Executor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(src, cfg, logger, opts...)
}

func TestExecutor_EchoPlusOne(t *testing.T) {
	e := newTestExecutor(mapSource{"echoPlusOne": jsScript("echoPlusOne", "context.value + 1")}, Config{})
	defer e.Close(context.Background())

	outcome, err := e.Execute(context.Background(), "echoPlusOne", &domain.ExecuteScriptRequest{
		Context: domain.ExecutionContext{"value": 41},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.State != domain.ExecutionSucceeded {
		t.Errorf("State = %s", outcome.State)
	}
	if string(outcome.Result) != "42" {
		t.Errorf("Result = %s, want 42", outcome.Result)
	}
	if outcome.Context["value"] != 41 {
		t.Errorf("Context snapshot = %v", outcome.Context)
	}
}

func TestExecutor_JavaScriptResults(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		context domain.ExecutionContext
		want    string
	}{
		{"object literal", "({value: context.value + 1})", domain.ExecutionContext{"value": 41}, `{"value":42}`},
		{"handler function", "function handler(ctx) { return {sum: ctx.a + ctx.b}; }", domain.ExecutionContext{"a": 1, "b": 2}, `{"sum":3}`},
		{"undefined result", "var x = 1;", nil, "null"},
		{"string result", "'hello ' + context.name", domain.ExecutionContext{"name": "bob"}, `"hello bob"`},
		{"no ambient globals", "typeof require === 'undefined' && typeof process === 'undefined' && typeof console === 'undefined'", nil, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(mapSource{"s": jsScript("s", tt.code)}, Config{})
			outcome, err := e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{Context: tt.context})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if string(outcome.Result) != tt.want {
				t.Errorf("Result = %s, want %s", outcome.Result, tt.want)
			}
		})
	}
}

// TestExecutor_InfiniteLoopTimesOut 验证不让出的死循环也能被抢占
func TestExecutor_InfiniteLoopTimesOut(t *testing.T) {
	e := newTestExecutor(mapSource{"spin": jsScript("spin", "while (true) {}")}, Config{})

	start := time.Now()
	outcome, err := e.Execute(context.Background(), "spin", &domain.ExecuteScriptRequest{TimeoutMs: 200})
	elapsed := time.Since(start)

	if !domain.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if outcome.State != domain.ExecutionTimedOut {
		t.Errorf("State = %s", outcome.State)
	}
	if outcome.Result != nil {
		t.Errorf("partial result leaked: %s", outcome.Result)
	}
	if elapsed > 2*time.Second {
		t.Errorf("took %v, budget was 200ms", elapsed)
	}
}

func TestExecutor_DefaultBudget(t *testing.T) {
	e := newTestExecutor(mapSource{"spin": jsScript("spin", "for (;;) {}")}, Config{Budget: 150 * time.Millisecond})
	_, err := e.Execute(context.Background(), "spin", &domain.ExecuteScriptRequest{})
	if !domain.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// TestExecutor_BacktrackingRegexTimesOut 验证回溯型正则不会拖过预算
func TestExecutor_BacktrackingRegexTimesOut(t *testing.T) {
	code := `/^(a+)+(?=b)/.test("a".repeat(34))`
	e := newTestExecutor(mapSource{"re": jsScript("re", code)}, Config{})

	start := time.Now()
	outcome, err := e.Execute(context.Background(), "re", &domain.ExecuteScriptRequest{TimeoutMs: 200})
	elapsed := time.Since(start)

	if !domain.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if outcome.State != domain.ExecutionTimedOut || outcome.Result != nil {
		t.Errorf("outcome = %+v", outcome)
	}
	if elapsed > 2*time.Second {
		t.Errorf("took %v, budget was 200ms", elapsed)
	}
}

// stuckRuntime 忽略 ctx，直到 release 关闭才返回
type stuckRuntime struct {
	release chan struct{}
	calls   chan struct{}
}

func (s *stuckRuntime) Run(ctx context.Context, code string, input domain.ExecutionContext) (json.RawMessage, error) {
	s.calls <- struct{}{}
	<-s.release
	return json.RawMessage(`"late"`), nil
}

func TestExecutor_UnresponsiveRuntime(t *testing.T) {
	rt := &stuckRuntime{release: make(chan struct{}), calls: make(chan struct{}, 2)}
	e := newTestExecutor(mapSource{"s": jsScript("s", "1")}, Config{MaxConcurrency: 1}, WithRuntime(domain.RuntimeJavaScript, rt))

	start := time.Now()
	outcome, err := e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{TimeoutMs: 100})
	if !domain.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if outcome.Result != nil {
		t.Errorf("late result leaked: %s", outcome.Result)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("took %v, budget was 100ms", elapsed)
	}

	// 运行时未退出前槽位仍被占用
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := e.Execute(ctx, "s", &domain.ExecuteScriptRequest{}); !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("expected slot wait to be cancelled, got %v", err)
	}

	close(rt.release)
	outcome, err = e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{TimeoutMs: 500})
	if err != nil {
		t.Fatalf("Execute() after release error = %v", err)
	}
	if string(outcome.Result) != `"late"` {
		t.Errorf("Result = %s", outcome.Result)
	}
}

func TestExecutor_HeapLimit(t *testing.T) {
	code := "var a = []; for (;;) { a.push(new Array(1 << 16).fill(0)); }"
	e := newTestExecutor(mapSource{"grow": jsScript("grow", code)}, Config{JSHeapLimit: 16 << 20})

	outcome, err := e.Execute(context.Background(), "grow", &domain.ExecuteScriptRequest{TimeoutMs: 10000})
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != domain.ExecutionFault {
		t.Fatalf("expected fault, got %v", err)
	}
	if !strings.Contains(execErr.Message, "memory limit exceeded") {
		t.Errorf("Message = %q", execErr.Message)
	}
	if outcome.Result != nil {
		t.Errorf("unexpected result %s", outcome.Result)
	}
}

func TestExecutor_Faults(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
	}{
		{"thrown error", "throw new Error('boom')", "boom"},
		{"reference error", "undefinedVariable.x", "ReferenceError"},
		{"syntax error", "function (", ""},
		{"stack overflow", "function f() { return f(); } f()", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(mapSource{"s": jsScript("s", tt.code)}, Config{})
			outcome, err := e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{})

			var execErr *domain.ExecutionError
			if !errors.As(err, &execErr) || execErr.Kind != domain.ExecutionFault {
				t.Fatalf("expected fault, got %v", err)
			}
			if !strings.Contains(execErr.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want to contain %q", execErr.Message, tt.wantMsg)
			}
			if outcome.State != domain.ExecutionFaulted || outcome.Result != nil {
				t.Errorf("outcome = %+v", outcome)
			}
		})
	}
}

// TestExecutor_FreshStatePerCall 验证两次调用之间不共享全局状态
func TestExecutor_FreshStatePerCall(t *testing.T) {
	code := "globalThis.counter = (globalThis.counter || 0) + 1; counter"
	e := newTestExecutor(mapSource{"c": jsScript("c", code)}, Config{})

	for i := 0; i < 3; i++ {
		outcome, err := e.Execute(context.Background(), "c", &domain.ExecuteScriptRequest{})
		if err != nil {
			t.Fatal(err)
		}
		if string(outcome.Result) != "1" {
			t.Errorf("call %d: Result = %s, want 1", i, outcome.Result)
		}
	}
}

func TestExecutor_ContextIsolation(t *testing.T) {
	e := newTestExecutor(mapSource{"m": jsScript("m", "context.value = 99; context.value")}, Config{})
	input := domain.ExecutionContext{"value": 1}

	outcome, err := e.Execute(context.Background(), "m", &domain.ExecuteScriptRequest{Context: input})
	if err != nil {
		t.Fatal(err)
	}
	if string(outcome.Result) != "99" {
		t.Errorf("Result = %s", outcome.Result)
	}
	if input["value"] != 1 || outcome.Context["value"] != 1 {
		t.Errorf("caller context mutated: input=%v snapshot=%v", input, outcome.Context)
	}
}

func TestExecutor_Errors(t *testing.T) {
	e := newTestExecutor(mapSource{"s": jsScript("s", "1")}, Config{MaxBudget: time.Second})

	if _, err := e.Execute(context.Background(), "missing", &domain.ExecuteScriptRequest{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing script: expected ErrNotFound, got %v", err)
	}
	for _, ms := range []int{-1, 1001} {
		if _, err := e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{TimeoutMs: ms}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("timeoutMs=%d: expected ErrInvalidInput, got %v", ms, err)
		}
	}
}

// blockingRuntime 阻塞直到 ctx 结束
type blockingRuntime struct {
	started chan struct{}
}

func (b *blockingRuntime) Run(ctx context.Context, code string, input domain.ExecutionContext) (json.RawMessage, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecutor_ConcurrencyBound(t *testing.T) {
	rt := &blockingRuntime{started: make(chan struct{}, 1)}
	e := newTestExecutor(mapSource{"s": jsScript("s", "1")}, Config{MaxConcurrency: 1}, WithRuntime(domain.RuntimeJavaScript, rt))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{TimeoutMs: 500})
	}()
	<-rt.started

	// 唯一的槽位被占用，等待者随调用方取消而退出，且不会进入 Running
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcome, err := e.Execute(ctx, "s", &domain.ExecuteScriptRequest{})
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != domain.ExecutionFault {
		t.Fatalf("expected cancelled fault, got %v", err)
	}
	if outcome.Result != nil {
		t.Errorf("unexpected result %s", outcome.Result)
	}
	wg.Wait()
}

func TestExecutor_CallerCancellation(t *testing.T) {
	e := newTestExecutor(mapSource{"spin": jsScript("spin", "while (true) {}")}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.Execute(ctx, "spin", &domain.ExecuteScriptRequest{})
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != domain.ExecutionFault || execErr.Message != "execution cancelled" {
		t.Fatalf("expected cancelled fault, got %v", err)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []*domain.ExecutionOutcome
}

func (p *recordingPublisher) PublishScriptExecuted(ctx context.Context, outcome *domain.ExecutionOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	return nil
}

func TestExecutor_PublishesOutcome(t *testing.T) {
	pub := &recordingPublisher{}
	e := newTestExecutor(mapSource{"s": jsScript("s", "1")}, Config{}, WithPublisher(pub))
	if _, err := e.Execute(context.Background(), "s", &domain.ExecuteScriptRequest{}); err != nil {
		t.Fatal(err)
	}
	if len(pub.outcomes) != 1 || pub.outcomes[0].State != domain.ExecutionSucceeded {
		t.Errorf("published = %+v", pub.outcomes)
	}
}

// ========== WebAssembly ==========

// wasmModule 手工组装一个导出 memory、alloc、handle 的最小模块。
// alloc 总是返回 1024，handle 的函数体由调用方提供。
func wasmModule(handleBody []byte) string {
	mod := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// type: (i32)->i32, (i32,i32)->i64
		0x01, 0x0c, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
		// function
		0x03, 0x03, 0x02, 0x00, 0x01,
		// memory: min 1 page
		0x05, 0x03, 0x01, 0x00, 0x01,
		// export: memory, alloc, handle
		0x07, 0x1b, 0x03,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
		0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x01,
	}
	allocBody := []byte{0x00, 0x41, 0x80, 0x08, 0x0b}
	code := []byte{0x02, byte(len(allocBody))}
	code = append(code, allocBody...)
	code = append(code, byte(len(handleBody)))
	code = append(code, handleBody...)

	mod = append(mod, 0x0a, byte(len(code)))
	mod = append(mod, code...)
	return base64.StdEncoding.EncodeToString(mod)
}

var (
	// handle 原样返回输入：(ptr << 32) | len
	wasmEcho = []byte{0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b}
	// loop br 0 end; unreachable
	wasmSpin = []byte{0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b}
	// unreachable
	wasmTrap = []byte{0x00, 0x00, 0x0b}
)

func wasmScript(id string, body []byte) *domain.Script {
	return &domain.Script{ID: id, Name: id, Code: wasmModule(body), Runtime: domain.RuntimeWasm}
}

func TestExecutor_WasmEcho(t *testing.T) {
	e := newTestExecutor(mapSource{"echo": wasmScript("echo", wasmEcho)}, Config{})
	defer e.Close(context.Background())

	outcome, err := e.Execute(context.Background(), "echo", &domain.ExecuteScriptRequest{
		Context: domain.ExecutionContext{"value": 41},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(outcome.Result) != `{"value":41}` {
		t.Errorf("Result = %s", outcome.Result)
	}
}

func TestExecutor_WasmSpinTimesOut(t *testing.T) {
	e := newTestExecutor(mapSource{"spin": wasmScript("spin", wasmSpin)}, Config{})
	defer e.Close(context.Background())

	start := time.Now()
	outcome, err := e.Execute(context.Background(), "spin", &domain.ExecuteScriptRequest{TimeoutMs: 200})
	if !domain.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if outcome.State != domain.ExecutionTimedOut {
		t.Errorf("State = %s", outcome.State)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("wasm loop was not preempted in time")
	}
}

func TestExecutor_WasmTrap(t *testing.T) {
	e := newTestExecutor(mapSource{"trap": wasmScript("trap", wasmTrap)}, Config{})
	defer e.Close(context.Background())

	_, err := e.Execute(context.Background(), "trap", &domain.ExecuteScriptRequest{})
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != domain.ExecutionFault {
		t.Fatalf("expected fault, got %v", err)
	}
}

func TestExecutor_WasmInvalidModule(t *testing.T) {
	bad := &domain.Script{ID: "bad", Name: "bad", Code: base64.StdEncoding.EncodeToString([]byte("not wasm")), Runtime: domain.RuntimeWasm}
	e := newTestExecutor(mapSource{"bad": bad}, Config{})
	defer e.Close(context.Background())

	_, err := e.Execute(context.Background(), "bad", &domain.ExecuteScriptRequest{})
	if !errors.Is(err, domain.ErrExecution) || domain.IsTimeout(err) {
		t.Fatalf("expected fault, got %v", err)
	}
}
