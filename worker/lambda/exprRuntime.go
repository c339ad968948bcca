package lambda

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// An expr module is one expression evaluated per call against:
//
//	args, body, content_type, claims, method, path
//	sleep(ms) -> ms        blocks, honours cancellation
//	print(v...) -> string  writes a line to stdout
//	eprint(v...) -> string writes a line to stderr
//	fail(msg)              raises a tenant exception
//	reply(value, status)   sets the HTTP status of a successful call
type exprProgram struct {
	path    string
	program *vm.Program
}

type exprInstance struct {
	program *vm.Program
	stdout  io.Writer
	stderr  io.Writer
}

func compileExpr(path string, src []byte) (Program, error) {
	source := strings.TrimSpace(string(src))
	if source == "" {
		err := fmt.Errorf("empty expression")
		return nil, &LoadError{Path: path, Err: err, Trace: err.Error()}
	}

	program, err := expr.Compile(source)
	if err != nil {
		// expr errors carry a source snippet with a caret under the problem
		return nil, &LoadError{Path: path, Err: err, Trace: err.Error()}
	}

	return &exprProgram{path: path, program: program}, nil
}

func (p *exprProgram) Instantiate(_ context.Context, stdout, stderr io.Writer) (Instance, error) {
	return &exprInstance{program: p.program, stdout: stdout, stderr: stderr}, nil
}

func (p *exprProgram) Close(context.Context) error {
	return nil
}

func (inst *exprInstance) env(ctx context.Context, req *ipc.Request) map[string]any {
	return map[string]any{
		"args":         req.Args,
		"body":         req.Body,
		"content_type": req.ContentType,
		"claims":       req.Claims,
		"method":       req.Method,
		"path":         req.Path,

		"sleep": func(ms any) (int, error) {
			n, err := toInt(ms)
			if err != nil {
				return 0, err
			}
			timer := time.NewTimer(time.Duration(n) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return n, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
		"print": func(vals ...any) string {
			return writeLine(inst.stdout, vals)
		},
		"eprint": func(vals ...any) string {
			return writeLine(inst.stderr, vals)
		},
		"fail": func(msg any) (any, error) {
			return nil, &TenantError{Msg: fmt.Sprint(msg)}
		},
		"reply": func(value any, status any) (*Reply, error) {
			code, err := toInt(status)
			if err != nil {
				return nil, err
			}
			if code < 100 || code > 599 {
				return nil, fmt.Errorf("reply: bad status %d", code)
			}
			return &Reply{Value: value, Status: code}, nil
		},
	}
}

func (inst *exprInstance) Invoke(ctx context.Context, req *ipc.Request) (*Reply, error) {
	out, err := expr.Run(inst.program, inst.env(ctx, req))
	if err != nil {
		return nil, err
	}
	if r, ok := out.(*Reply); ok {
		return r, nil
	}
	return &Reply{Value: out}, nil
}

func (inst *exprInstance) Close(context.Context) error {
	return nil
}

func writeLine(w io.Writer, vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprint(v)
	}
	line := strings.Join(parts, " ")
	fmt.Fprintln(w, line)
	return line
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case nil:
		return 0, fmt.Errorf("expected a number, got nil")
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
