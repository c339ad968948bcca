package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// WORKER_IPC_FD is where a worker process finds its transport.
const WORKER_IPC_FD = 3

// Serve announces readiness and then answers requests one at a time
// until the transport goes away. Tenant failures never end the loop.
func Serve(ctx context.Context, t ipc.Transport, inst Instance, stderr io.Writer) error {
	if err := ipc.SendJSON(t, &ipc.Reply{Res: ipc.ResReady}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		var req ipc.Request
		if err := ipc.RecvJSON(t, &req); err != nil {
			if err == io.EOF || errors.Is(err, ipc.ErrClosed) {
				return nil
			}
			return fmt.Errorf("recv request: %w", err)
		}

		reply := invokeOne(ctx, inst, &req, stderr)
		err := ipc.SendJSON(t, reply)
		if errors.Is(err, ipc.ErrTooLarge) {
			// nothing was written; the caller gets an exception instead
			fmt.Fprintf(stderr, "exception: return value does not fit in one message: %v\n", err)
			err = ipc.SendJSON(t, &ipc.Reply{Res: ipc.ResException, Time: reply.Time})
		}
		if err != nil {
			if err == io.EOF || errors.Is(err, ipc.ErrClosed) {
				return nil
			}
			return fmt.Errorf("send reply: %w", err)
		}
	}
}

// invokeOne times the entry point only; loading is not billed to a call.
func invokeOne(ctx context.Context, inst Instance, req *ipc.Request, stderr io.Writer) (reply *ipc.Reply) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "panic: %v\n\n%s\n", r, debug.Stack())
			reply = &ipc.Reply{Res: ipc.ResException, Time: time.Since(start).Microseconds()}
		}
	}()

	res, err := inst.Invoke(ctx, req)
	usec := time.Since(start).Microseconds()
	if err != nil {
		fmt.Fprintf(stderr, "exception: %v\n", err)
		return &ipc.Reply{Res: ipc.ResException, Time: usec}
	}

	retj, err := json.Marshal(res.Value)
	if err != nil {
		fmt.Fprintf(stderr, "exception: cannot encode return value: %v\n", err)
		return &ipc.Reply{Res: ipc.ResException, Time: usec}
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &ipc.Reply{Res: ipc.ResOK, Retj: retj, Time: usec, Status: status}
}

// SendLoadError tells the supervisor this worker will never be ready.
func SendLoadError(t ipc.Transport, err error) error {
	reply := &ipc.Reply{Res: ipc.ResLoadError, Error: err.Error(), Trace: err.Error()}
	var le *LoadError
	if errors.As(err, &le) {
		reply.Trace = le.Trace
	}
	return ipc.SendJSON(t, reply)
}

// RunWorker loads the module and serves requests on t.
func RunWorker(ctx context.Context, runtime, path string, t ipc.Transport, stdout, stderr io.Writer) error {
	prog, err := Load(ctx, runtime, path)
	if err != nil {
		SendLoadError(t, err)
		return err
	}
	defer prog.Close(ctx)

	inst, err := prog.Instantiate(ctx, stdout, stderr)
	if err != nil {
		SendLoadError(t, err)
		return err
	}
	defer inst.Close(ctx)

	return Serve(ctx, t, inst, stderr)
}

// WorkerMain is the body of a worker process: the transport is inherited
// on WORKER_IPC_FD and stdout/stderr are already the capture pipes.
func WorkerMain(runtime, path string, maxMsg int) error {
	f := os.NewFile(WORKER_IPC_FD, "wdog-ipc")
	if f == nil {
		return fmt.Errorf("fd %d is not open", WORKER_IPC_FD)
	}
	t, err := ipc.FromFile(f, maxMsg)
	f.Close()
	if err != nil {
		return err
	}
	defer t.Close()

	return RunWorker(context.Background(), runtime, path, t, os.Stdout, os.Stderr)
}
