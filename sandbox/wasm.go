// Package sandbox executes untrusted tool functions as WASM modules under
// wazero, with memory limits and per-call timeouts.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/promptlab/promptlab/core"
)

const defaultTimeout = 30 * time.Second

// Runner implements core.Sandbox using the wazero WASM runtime.
type Runner struct {
	runtime wazero.Runtime
	cache   map[string]wazero.CompiledModule
	mu      sync.Mutex
}

// NewRunner creates a WASM runner with a 4MB memory limit. Exceeding the
// call timeout closes the module mid-flight via the context.
func NewRunner() *Runner {
	config := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(64). // 64 pages = 4MB
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(context.Background(), config)
	wasi_snapshot_preview1.MustInstantiate(context.Background(), runtime)

	return &Runner{
		runtime: runtime,
		cache:   make(map[string]wazero.CompiledModule),
	}
}

// Run executes a module's exported "invoke" function with JSON-encoded
// arguments. Every failure, including timeout, is captured in the
// ToolOutcome rather than returned as an error.
func (r *Runner) Run(ctx context.Context, code []byte, args map[string]any, timeout time.Duration) core.ToolOutcome {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	module, err := r.getOrCompile(execCtx, code)
	if err != nil {
		return failure("failed to compile module: %v", err)
	}

	instance, err := r.runtime.InstantiateModule(execCtx, module, wazero.NewModuleConfig().
		WithName(""))
	if err != nil {
		return failure("failed to instantiate module: %v", err)
	}
	defer instance.Close(execCtx)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return failure("failed to marshal arguments: %v", err)
	}

	invoke := instance.ExportedFunction("invoke")
	if invoke == nil {
		return failure("module does not export 'invoke' function")
	}

	ptr, size, err := writeInput(instance, argsJSON)
	if err != nil {
		return failure("failed to write input: %v", err)
	}

	results, err := invoke.Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return failure("function execution timed out after %s", timeout)
		}
		return failure("function call failed: %v", err)
	}
	if len(results) != 2 {
		return failure("invoke should return (ptr, size), got %d results", len(results))
	}

	output, err := readOutput(instance, uint32(results[0]), uint32(results[1]))
	if err != nil {
		return failure("failed to read output: %v", err)
	}

	return core.ToolOutcome{Success: true, Result: string(output)}
}

// getOrCompile returns a compiled module, caching by code hash.
func (r *Runner) getOrCompile(ctx context.Context, code []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(code)
	key := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if module, exists := r.cache[key]; exists {
		return module, nil
	}

	module, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, err
	}
	r.cache[key] = module
	return module, nil
}

// writeInput writes the argument payload at the start of module memory.
func writeInput(instance api.Module, payload []byte) (uint32, uint32, error) {
	mem := instance.Memory()
	if mem == nil {
		return 0, 0, fmt.Errorf("module has no memory")
	}

	size := uint32(len(payload))
	offset := uint32(0)
	if uint64(offset)+uint64(size) > uint64(mem.Size()) {
		return 0, 0, fmt.Errorf("not enough memory: need %d bytes, have %d", size, mem.Size())
	}
	if !mem.Write(offset, payload) {
		return 0, 0, fmt.Errorf("failed to write to memory")
	}
	return offset, size, nil
}

// readOutput reads the result payload from module memory.
func readOutput(instance api.Module, ptr, size uint32) ([]byte, error) {
	mem := instance.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module has no memory")
	}
	data, ok := mem.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read from memory")
	}
	return data, nil
}

// Close releases the runtime and all compiled modules.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

func failure(format string, args ...any) core.ToolOutcome {
	return core.ToolOutcome{Success: false, Err: fmt.Sprintf(format, args...)}
}
