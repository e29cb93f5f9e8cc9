package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/tetratelabs/wazero"
)

// DefaultWasmMemoryPages 是 wasm 模块默认内存页上限（16MB）
const DefaultWasmMemoryPages = 256

// WasmRuntime 基于 wazero 执行 WebAssembly 模块。
//
// 模块约定导出 alloc(len i32) -> ptr i32 和 handle(ptr i32, len i32) -> i64，
// handle 返回值高 32 位为输出指针，低 32 位为输出长度。
// 不提供任何宿主导入（包括 WASI），需要导入的模块会在实例化时失败。
type WasmRuntime struct {
	pages uint32
	cache wazero.CompilationCache
}

// NewWasmRuntime 创建 wasm 运行时。编译缓存跨调用共享，运行实例不共享。
func NewWasmRuntime(memoryPages uint32) *WasmRuntime {
	if memoryPages == 0 {
		memoryPages = DefaultWasmMemoryPages
	}
	return &WasmRuntime{
		pages: memoryPages,
		cache: wazero.NewCompilationCache(),
	}
}

// Run 解码 base64 模块并在新的 wazero.Runtime 中执行 handle
func (r *WasmRuntime) Run(ctx context.Context, code string, input domain.ExecutionContext) (json.RawMessage, error) {
	if input == nil {
		input = domain.ExecutionContext{}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, domain.Invalid("context", "must be JSON serializable")
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(r.pages).
		WithCompilationCache(r.cache)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer rt.Close(context.Background())

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	defer mod.Close(context.Background())

	alloc := mod.ExportedFunction("alloc")
	handle := mod.ExportedFunction("handle")
	if alloc == nil || handle == nil {
		return nil, fmt.Errorf("module must export 'alloc' and 'handle' functions")
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module must export memory")
	}

	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	inPtr := uint32(results[0])
	if !mem.Write(inPtr, payload) {
		return nil, fmt.Errorf("input out of module memory range")
	}

	results, err = handle.Call(ctx, uint64(inPtr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("handle: %w", err)
	}
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed & 0xFFFFFFFF)

	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("output out of module memory range")
	}
	// Read 返回模块内存的视图，关闭模块前必须拷贝
	buf := make([]byte, len(out))
	copy(buf, out)

	if len(buf) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(buf) {
		return json.RawMessage(buf), nil
	}
	encoded, _ := json.Marshal(string(buf))
	return json.RawMessage(encoded), nil
}

// Close 释放编译缓存
func (r *WasmRuntime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}
