package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/dop251/goja"
	"github.com/oriys/interceptor/internal/domain"
)

const (
	// maxCallStackSize 限制脚本递归深度，超出时抛出可捕获的错误
	maxCallStackSize = 1024
	// DefaultJSHeapLimit 是单次执行期间允许的默认堆增长量
	DefaultJSHeapLimit = 256 << 20

	heapSampleInterval = 5 * time.Millisecond
	heapMetric         = "/memory/classes/heap/objects:bytes"
)

var errHeapLimit = errors.New("memory limit exceeded")

var regexpTimeoutMu sync.Mutex

// boundRegexpMatch 为 goja 回退使用的 regexp2 引擎设置单次匹配时限。
// regexp2 的回溯匹配不响应解释器中断，只能靠匹配时限终止。
// 时限只增不减，且不小于任何执行预算。
func boundRegexpMatch(limit time.Duration) {
	regexpTimeoutMu.Lock()
	defer regexpTimeoutMu.Unlock()
	if regexp2.DefaultMatchTimeout == math.MaxInt64 || regexp2.DefaultMatchTimeout < limit {
		regexp2.DefaultMatchTimeout = limit
	}
}

// JavaScriptRuntime 基于 goja 执行 JavaScript 脚本。
// 每次调用创建新的 goja.Runtime，全局对象中只有 ECMAScript 内建对象和 context。
type JavaScriptRuntime struct {
	heapLimit uint64
}

// NewJavaScriptRuntime 创建 JavaScript 运行时。
// heapLimit 为 0 时使用 DefaultJSHeapLimit；maxBudget 约束单次正则匹配的最长时间。
func NewJavaScriptRuntime(heapLimit uint64, maxBudget time.Duration) *JavaScriptRuntime {
	if heapLimit == 0 {
		heapLimit = DefaultJSHeapLimit
	}
	if maxBudget > 0 {
		boundRegexpMatch(maxBudget)
	}
	return &JavaScriptRuntime{heapLimit: heapLimit}
}

// Run 执行脚本。
// 结果为最后一个表达式的值；若脚本声明了全局函数 handler，则结果为 handler(context) 的返回值。
func (r *JavaScriptRuntime) Run(ctx context.Context, code string, input domain.ExecutionContext) (json.RawMessage, error) {
	if input == nil {
		input = domain.ExecutionContext{}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, domain.Invalid("context", "must be JSON serializable")
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	// ctx 结束时中断解释器，死循环同样会被终止
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()
	defer r.watchHeap(vm)()

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	// 通过 JSON.parse 构造纯 JS 对象，脚本拿不到任何 Go 值的引用
	ctxValue, err := parse(goja.Undefined(), vm.ToValue(string(payload)))
	if err != nil {
		return nil, scriptError(err)
	}
	if err := vm.Set("context", ctxValue); err != nil {
		return nil, err
	}

	value, err := vm.RunString(code)
	if err != nil {
		return nil, scriptError(err)
	}
	if handler, ok := goja.AssertFunction(vm.Get("handler")); ok {
		value, err = handler(goja.Undefined(), ctxValue)
		if err != nil {
			return nil, scriptError(err)
		}
	}

	out, err := stringify(goja.Undefined(), value)
	if err != nil {
		return nil, scriptError(err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out.String()), nil
}

// watchHeap 周期采样进程堆占用，执行期间增长超过 heapLimit 时中断解释器。
// 返回的函数用于停止采样。
func (r *JavaScriptRuntime) watchHeap(vm *goja.Runtime) func() {
	sample := []metrics.Sample{{Name: heapMetric}}
	heapBytes := func() uint64 {
		metrics.Read(sample)
		if sample[0].Value.Kind() != metrics.KindUint64 {
			return 0
		}
		return sample[0].Value.Uint64()
	}
	baseline := heapBytes()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heapSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if heapBytes() > baseline+r.heapLimit {
					vm.Interrupt(errHeapLimit)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// scriptError 提取脚本异常中的可读信息，不携带宿主侧堆栈
func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%s", exc.Value().String())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, errHeapLimit) {
			return errHeapLimit
		}
		return fmt.Errorf("interrupted: %v", interrupted.Value())
	}
	return err
}
