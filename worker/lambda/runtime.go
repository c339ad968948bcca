package lambda

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// Reply is what a module entry point produces: a JSON-serializable value
// plus optional response metadata.
type Reply struct {
	Value  any
	Status int
}

// Program is a compiled tenant module. Compiling happens once per worker
// lifetime; every worker restart gets a fresh Instance.
type Program interface {
	Instantiate(ctx context.Context, stdout, stderr io.Writer) (Instance, error)
	Close(ctx context.Context) error
}

// Instance runs one call at a time.
type Instance interface {
	Invoke(ctx context.Context, req *ipc.Request) (*Reply, error)
	Close(ctx context.Context) error
}

// LoadError means the module can never serve a call.
type LoadError struct {
	Path  string
	Err   error
	Trace string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load %s: %s", e.Path, firstLine(e.Err.Error()))
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// TenantError is raised by module code on purpose (e.g. fail() in expr).
type TenantError struct {
	Msg string
}

func (e *TenantError) Error() string {
	return e.Msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Load reads and compiles the module at path.
func Load(ctx context.Context, runtime, path string) (Program, error) {
	t := common.T0("load-module")
	defer t.T1()

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err, Trace: err.Error()}
	}

	switch runtime {
	case "expr":
		return compileExpr(path, src)
	case "wasm":
		return compileWasm(ctx, path, src)
	}
	err = fmt.Errorf("unknown runtime %q", runtime)
	return nil, &LoadError{Path: path, Err: err, Trace: err.Error()}
}

// Preflight loads the module and instantiates it once with discarded
// output, which is everything a worker does before its first call.
func Preflight(ctx context.Context, runtime, path string) (Program, error) {
	prog, err := Load(ctx, runtime, path)
	if err != nil {
		return nil, err
	}

	inst, err := prog.Instantiate(ctx, io.Discard, io.Discard)
	if err != nil {
		prog.Close(ctx)
		return nil, asLoadError(path, err)
	}
	inst.Close(ctx)
	return prog, nil
}

func asLoadError(path string, err error) *LoadError {
	if le, ok := err.(*LoadError); ok {
		return le
	}
	return &LoadError{Path: path, Err: err, Trace: err.Error()}
}
