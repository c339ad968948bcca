package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// The process worker tests re-run this test binary as the worker.
func TestMain(m *testing.M) {
	if os.Getenv("WDOG_TEST_WORKER") == "1" {
		err := lambda.WorkerMain(os.Getenv("WDOG_TEST_RUNTIME"), os.Getenv("WDOG_TEST_MODULE"), 1<<20)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// prints args.mark if given, then sleeps args.tmo ms if given
const sleeperModule = `
let p = args.mark != nil ? print(args.mark) : "";
let s = args.tmo != nil ? sleep(args.tmo) : 0;
"slept:" + string(s)
`

func writeModule(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.expr")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func processSpawner(t *testing.T, module string) *ProcessSpawner {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	return &ProcessSpawner{
		Path: exe,
		Env: append(os.Environ(),
			"WDOG_TEST_WORKER=1",
			"WDOG_TEST_RUNTIME=expr",
			"WDOG_TEST_MODULE="+module),
		MaxMsg:      1 << 20,
		OutputLimit: 64 * 1024,
	}
}

func startSupervisor(t *testing.T, module string, spawner Spawner) *Supervisor {
	t.Helper()
	s := NewSupervisor(Options{
		Name:             "test",
		Runtime:          "expr",
		ModulePath:       module,
		HelloTimeout:     10 * time.Second,
		ProactiveRestart: true,
	}, spawner)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

// both worker flavours must behave the same
func eachSpawner(t *testing.T, module string, fn func(t *testing.T, s *Supervisor)) {
	t.Run("process", func(t *testing.T) {
		fn(t, startSupervisor(t, module, processSpawner(t, module)))
	})
	t.Run("inproc", func(t *testing.T) {
		fn(t, startSupervisor(t, module, &InProcSpawner{OutputLimit: 64 * 1024}))
	})
}

func call(s *Supervisor, args map[string]any, timeout time.Duration) *Result {
	return s.Call(&ipc.Request{Args: args}, timeout)
}

func decodeReturn(t *testing.T, res *Result) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(res.Return), &v), "return %q", res.Return)
	return v
}

func TestSupervisor_Success(t *testing.T) {
	module := writeModule(t, `{"sum": args[0] + args[1]}`)
	eachSpawner(t, module, func(t *testing.T, s *Supervisor) {
		res := s.Call(&ipc.Request{Args: []any{2.0, 3.0}}, 2*time.Second)
		require.Equal(t, common.CodeOK, res.Code, "result %+v", res)
		assert.Equal(t, map[string]any{"sum": 5.0}, decodeReturn(t, res))
		assert.Equal(t, 200, res.Status)
		assert.GreaterOrEqual(t, res.CTime, res.Time)
		assert.Equal(t, Ready.String(), s.Status().State)
	})
}

func TestSupervisor_TimeoutRecovery(t *testing.T) {
	module := writeModule(t, sleeperModule)
	eachSpawner(t, module, func(t *testing.T, s *Supervisor) {
		timeout := 2000 * time.Millisecond

		res := call(s, map[string]any{"tmo": 1000}, timeout)
		require.Equal(t, common.CodeOK, res.Code, "result %+v", res)
		assert.Equal(t, "slept:1000", decodeReturn(t, res))

		before := s.Status().Restarts
		start := time.Now()
		res = call(s, map[string]any{"tmo": 3000}, timeout)
		require.Equal(t, common.CodeTimeout, res.Code, "result %+v", res)
		assert.Equal(t, "timeout", res.Return)
		assert.Less(t, time.Since(start), 3000*time.Millisecond)
		assert.Equal(t, before+1, s.Status().Restarts)

		res = call(s, map[string]any{"tmo": 1500}, timeout)
		require.Equal(t, common.CodeOK, res.Code, "result %+v", res)
		assert.Equal(t, "slept:1500", decodeReturn(t, res))
	})
}

func TestSupervisor_TimeoutReplacesProcess(t *testing.T) {
	module := writeModule(t, sleeperModule)
	s := startSupervisor(t, module, processSpawner(t, module))

	oldPid := s.Status().Pid
	require.NotZero(t, oldPid)

	res := call(s, map[string]any{"tmo": 5000}, 200*time.Millisecond)
	require.Equal(t, common.CodeTimeout, res.Code)

	newPid := s.Status().Pid
	assert.NotEqual(t, oldPid, newPid)
	// the old process must really be gone
	assert.Error(t, syscall.Kill(oldPid, 0))
}

func TestSupervisor_OutputIsolation(t *testing.T) {
	module := writeModule(t, sleeperModule)
	eachSpawner(t, module, func(t *testing.T, s *Supervisor) {
		res := call(s, map[string]any{"mark": "A-marker"}, 2*time.Second)
		require.Equal(t, common.CodeOK, res.Code)
		assert.Contains(t, res.Stdout, "A-marker")

		res = call(s, map[string]any{"mark": "B-marker"}, 2*time.Second)
		require.Equal(t, common.CodeOK, res.Code)
		assert.Contains(t, res.Stdout, "B-marker")
		assert.NotContains(t, res.Stdout, "A-marker")

		// output of a call that timed out is dropped with its worker
		res = call(s, map[string]any{"mark": "C-marker", "tmo": 5000}, 200*time.Millisecond)
		require.Equal(t, common.CodeTimeout, res.Code)
		assert.Empty(t, res.Stdout)

		res = call(s, map[string]any{}, 2*time.Second)
		require.Equal(t, common.CodeOK, res.Code)
		assert.NotContains(t, res.Stdout, "C-marker")
	})
}

func TestSupervisor_SequentialCalls(t *testing.T) {
	module := writeModule(t, `let p = print("n=" + string(args.n)); args.n`)
	eachSpawner(t, module, func(t *testing.T, s *Supervisor) {
		for i := 0; i < 20; i++ {
			res := call(s, map[string]any{"n": i}, 2*time.Second)
			require.Equal(t, common.CodeOK, res.Code, "call %d: %+v", i, res)
			assert.Equal(t, float64(i), decodeReturn(t, res))
			assert.Equal(t, fmt.Sprintf("n=%d\n", i), res.Stdout)
		}
	})
}

func TestSupervisor_ExceptionKeepsWorker(t *testing.T) {
	module := writeModule(t, `args.ok ? "fine" : fail("bad input")`)
	s := startSupervisor(t, module, processSpawner(t, module))
	pid := s.Status().Pid

	res := call(s, map[string]any{"ok": false}, 2*time.Second)
	require.Equal(t, common.CodeFailed, res.Code)
	assert.Equal(t, "exception", res.Return)
	assert.Contains(t, res.Stderr, "bad input")

	res = call(s, map[string]any{"ok": true}, 2*time.Second)
	require.Equal(t, common.CodeOK, res.Code)
	assert.Equal(t, pid, s.Status().Pid)
	assert.Zero(t, s.Status().Restarts)
}

func TestSupervisor_LoadFailureDegrades(t *testing.T) {
	module := writeModule(t, `args.(`)
	spawner := &countingSpawner{Spawner: processSpawner(t, module)}
	s := startSupervisor(t, module, spawner)

	first := call(s, map[string]any{}, 2*time.Second)
	require.Equal(t, common.CodeDegraded, first.Code)
	assert.Contains(t, first.Return, "cannot load")
	assert.NotEmpty(t, first.Stdout)

	for i := 0; i < 3; i++ {
		res := call(s, map[string]any{"x": i}, 2*time.Second)
		assert.Equal(t, common.CodeDegraded, res.Code)
		assert.Equal(t, first.Return, res.Return)
		assert.Equal(t, first.Stdout, res.Stdout)
	}

	assert.Zero(t, spawner.spawned, "nothing may be spawned for a broken module")
	st := s.Status()
	assert.Equal(t, Failed.String(), st.State)
	assert.Equal(t, first.Return, st.Error)
}

func TestSupervisor_WorkerCrashDuringCall(t *testing.T) {
	module := writeModule(t, sleeperModule)
	s := startSupervisor(t, module, processSpawner(t, module))
	pid := s.Status().Pid

	go func() {
		time.Sleep(200 * time.Millisecond)
		syscall.Kill(pid, syscall.SIGKILL)
	}()

	res := call(s, map[string]any{"mark": "before-crash", "tmo": 5000}, 10*time.Second)
	require.Equal(t, common.CodeFailed, res.Code)
	assert.Equal(t, "exited", res.Return)
	assert.Contains(t, res.Stdout, "before-crash")

	res = call(s, map[string]any{"tmo": 10}, 2*time.Second)
	require.Equal(t, common.CodeOK, res.Code)
	assert.NotEqual(t, pid, s.Status().Pid)
}

func TestSupervisor_ProactiveRestart(t *testing.T) {
	module := writeModule(t, sleeperModule)
	s := startSupervisor(t, module, processSpawner(t, module))
	pid := s.Status().Pid

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Restarts == 1 && st.Pid != 0 && st.Pid != pid && st.State == Ready.String()
	}, 5*time.Second, 20*time.Millisecond)

	res := call(s, map[string]any{}, 2*time.Second)
	assert.Equal(t, common.CodeOK, res.Code)
}

func TestSupervisor_StoppedCallsFail(t *testing.T) {
	module := writeModule(t, `"x"`)
	s := startSupervisor(t, module, &InProcSpawner{OutputLimit: 1024})
	s.Stop()

	res := call(s, map[string]any{}, time.Second)
	assert.Equal(t, common.CodeFailed, res.Code)
	assert.Equal(t, "stopped", res.Return)
}

func TestSupervisor_OutputLimit(t *testing.T) {
	module := writeModule(t, `print(repeat("x", 5000))`)
	s := startSupervisor(t, module, &InProcSpawner{OutputLimit: 1024})

	res := call(s, map[string]any{}, 2*time.Second)
	require.Equal(t, common.CodeOK, res.Code)
	assert.True(t, strings.HasPrefix(res.Stdout, strings.Repeat("x", 1024)))
	assert.Contains(t, res.Stdout, "truncated")

	// the dropped tail must not show up later
	res = call(s, map[string]any{}, 2*time.Second)
	assert.Contains(t, res.Stdout, "truncated")
	assert.Less(t, len(res.Stdout), 2048)
}

// a wasm module whose handle export spins forever
var spinningWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0d, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x02, 0x7f, 0x7f,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x1b, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x01,
	0x0a, 0x10, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x08, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b,
}

func TestSupervisor_InProcKillStopsWasmGuest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.wasm")
	require.NoError(t, os.WriteFile(path, spinningWasm, 0644))

	s := NewSupervisor(Options{
		Name:       "wasm",
		Runtime:    "wasm",
		ModulePath: path,
	}, &InProcSpawner{OutputLimit: 1024})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	require.False(t, s.Degraded())

	start := time.Now()
	res := call(s, map[string]any{}, 200*time.Millisecond)
	require.Equal(t, common.CodeTimeout, res.Code, "result %+v", res)
	// the guest noticed the cancellation instead of running out the grace
	assert.Less(t, time.Since(start), inprocKillGrace)

	st := s.Status()
	assert.Equal(t, int64(1), st.Restarts)
	assert.Equal(t, Ready.String(), st.State)
}

type countingSpawner struct {
	Spawner
	spawned int
}

func (c *countingSpawner) Spawn(prog lambda.Program) (Worker, error) {
	c.spawned++
	return c.Spawner.Spawn(prog)
}
