package lambda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// A wasm module is a WASI reactor exporting
//
//	alloc(size i32) -> ptr i32
//	handle(ptr i32, len i32) -> (ptr i32, len i32)
//
// handle receives the JSON request and returns JSON of the form
// {"value": ..., "status": N, "error": "..."}.
type wasmProgram struct {
	path     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

type wasmInstance struct {
	mod    api.Module
	alloc  api.Function
	handle api.Function
}

type wasmReply struct {
	Value  json.RawMessage `json:"value"`
	Status int             `json:"status"`
	Error  string          `json:"error"`
}

var wasmExports = []string{"alloc", "handle"}

func compileWasm(ctx context.Context, path string, src []byte) (Program, error) {
	// cancelling a call's context aborts the guest, which is how an
	// in-process worker gets "killed"
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, src)
	if err != nil {
		rt.Close(ctx)
		return nil, &LoadError{Path: path, Err: err, Trace: err.Error()}
	}

	exported := compiled.ExportedFunctions()
	for _, name := range wasmExports {
		if _, ok := exported[name]; !ok {
			rt.Close(ctx)
			err := fmt.Errorf("module does not export %q", name)
			return nil, &LoadError{Path: path, Err: err, Trace: err.Error()}
		}
	}

	return &wasmProgram{path: path, runtime: rt, compiled: compiled}, nil
}

func (p *wasmProgram) Instantiate(ctx context.Context, stdout, stderr io.Writer) (Instance, error) {
	config := wazero.NewModuleConfig().
		WithName("").
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_initialize")

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, config)
	if err != nil {
		return nil, &LoadError{Path: p.path, Err: err, Trace: err.Error()}
	}
	if mod.Memory() == nil {
		mod.Close(ctx)
		err := fmt.Errorf("module has no exported memory")
		return nil, &LoadError{Path: p.path, Err: err, Trace: err.Error()}
	}

	return &wasmInstance{
		mod:    mod,
		alloc:  mod.ExportedFunction("alloc"),
		handle: mod.ExportedFunction("handle"),
	}, nil
}

func (p *wasmProgram) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func (inst *wasmInstance) Invoke(ctx context.Context, req *ipc.Request) (*Reply, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	res, err := inst.alloc.Call(ctx, uint64(len(in)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(res[0])

	mem := inst.mod.Memory()
	if !mem.Write(ptr, in) {
		return nil, fmt.Errorf("alloc returned %d, out of range for %d bytes", ptr, len(in))
	}

	res, err = inst.handle.Call(ctx, uint64(ptr), uint64(len(in)))
	if err != nil {
		return nil, fmt.Errorf("handle: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("handle returned %d results, want 2", len(res))
	}

	data, ok := mem.Read(uint32(res[0]), uint32(res[1]))
	if !ok {
		return nil, fmt.Errorf("reading result memory failed")
	}

	var out wasmReply
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	if out.Error != "" {
		return nil, &TenantError{Msg: out.Error}
	}

	reply := &Reply{Status: out.Status}
	if len(out.Value) > 0 {
		reply.Value = out.Value
	}
	return reply, nil
}

func (inst *wasmInstance) Close(ctx context.Context) error {
	return inst.mod.Close(ctx)
}
