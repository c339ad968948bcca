package lambda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

func writeModule(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func instantiate(t *testing.T, src string) (Instance, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prog, err := Load(context.Background(), "expr", writeModule(t, "main.expr", src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var stdout, stderr bytes.Buffer
	inst, err := prog.Instantiate(context.Background(), &stdout, &stderr)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return inst, &stdout, &stderr
}

func TestExpr_Args(t *testing.T) {
	inst, _, _ := instantiate(t, `"hello " + args.name`)

	res, err := inst.Invoke(context.Background(), &ipc.Request{Args: map[string]any{"name": "world"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Value != "hello world" || res.Status != 0 {
		t.Errorf("unexpected reply %+v", res)
	}
}

func TestExpr_PositionalArgs(t *testing.T) {
	inst, _, _ := instantiate(t, `args[0] + args[1]`)

	res, err := inst.Invoke(context.Background(), &ipc.Request{Args: []any{2.0, 3.0}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Value != 5.0 {
		t.Errorf("expected 5, got %#v", res.Value)
	}
}

func TestExpr_RequestView(t *testing.T) {
	inst, _, _ := instantiate(t, `[content_type, body, claims.sub, method]`)

	req := &ipc.Request{
		ContentType: "text/plain",
		Body:        "raw",
		Claims:      map[string]any{"sub": "alice"},
		Method:      "POST",
	}
	res, err := inst.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	b, _ := json.Marshal(res.Value)
	if string(b) != `["text/plain","raw","alice","POST"]` {
		t.Errorf("unexpected value %s", b)
	}
}

func TestExpr_PrintAndReply(t *testing.T) {
	inst, stdout, stderr := instantiate(t, `reply(print("A-marker") + eprint("oops"), 201)`)

	res, err := inst.Invoke(context.Background(), &ipc.Request{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != 201 || res.Value != "A-markeroops" {
		t.Errorf("unexpected reply %+v", res)
	}
	if stdout.String() != "A-marker\n" || stderr.String() != "oops\n" {
		t.Errorf("stdout %q stderr %q", stdout.String(), stderr.String())
	}
}

func TestExpr_Sleep(t *testing.T) {
	inst, _, _ := instantiate(t, `"slept:" + string(sleep(args.tmo))`)

	start := time.Now()
	res, err := inst.Invoke(context.Background(), &ipc.Request{Args: map[string]any{"tmo": 50.0}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Value != "slept:50" {
		t.Errorf("expected slept:50, got %#v", res.Value)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("sleep returned early")
	}
}

func TestExpr_SleepCancelled(t *testing.T) {
	inst, _, _ := instantiate(t, `sleep(10000)`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := inst.Invoke(ctx, &ipc.Request{}); err == nil {
		t.Fatal("expected error from cancelled sleep")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancelled sleep took %v", time.Since(start))
	}
}

func TestExpr_Fail(t *testing.T) {
	inst, _, _ := instantiate(t, `fail("boom")`)

	_, err := inst.Invoke(context.Background(), &ipc.Request{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestExpr_LoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"syntax", func(t *testing.T) string { return writeModule(t, "bad.expr", `args.(`) }},
		{"empty", func(t *testing.T) string { return writeModule(t, "empty.expr", "  \n") }},
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.expr") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Preflight(context.Background(), "expr", tt.path(t))
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected LoadError, got %v", err)
			}
			if le.Trace == "" || strings.Contains(le.Error(), "\n") {
				t.Errorf("want one-line message and a trace, got %q / %q", le.Error(), le.Trace)
			}
		})
	}
}

func TestLoad_UnknownRuntime(t *testing.T) {
	_, err := Load(context.Background(), "cobol", writeModule(t, "main.cbl", "x"))
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
}
