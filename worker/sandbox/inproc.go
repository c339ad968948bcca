package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// how long Kill waits for a cancelled instance to notice
const inprocKillGrace = 2 * time.Second

// InProcSpawner runs every worker as a goroutine sharing the module the
// supervisor already compiled. Requests travel over in-memory queues
// and output still goes through real pipes, so the supervisor cannot
// tell the difference.
//
// A goroutine cannot be killed: Kill cancels the instance's context and
// tears down its transport, which stops wasm instances and sleeping expr
// modules right away. A worker stuck elsewhere is abandoned.
type InProcSpawner struct {
	OutputLimit int
}

type inprocWorker struct {
	transport *ipc.QueueEnd
	peer      *ipc.QueueEnd
	capture   *Capture
	cancel    context.CancelFunc
	exited    chan struct{}
}

func (sp *InProcSpawner) Spawn(prog lambda.Program) (Worker, error) {
	capture, err := NewCapture(sp.OutputLimit)
	if err != nil {
		return nil, err
	}

	sup, peer := ipc.NewQueuePair()
	ctx, cancel := context.WithCancel(context.Background())

	w := &inprocWorker{
		transport: sup,
		peer:      peer,
		capture:   capture,
		cancel:    cancel,
		exited:    make(chan struct{}),
	}

	go w.run(ctx, prog)
	return w, nil
}

func (w *inprocWorker) run(ctx context.Context, prog lambda.Program) {
	defer close(w.exited)
	defer w.peer.Close()

	inst, err := prog.Instantiate(ctx, w.capture.OutW, w.capture.ErrW)
	if err != nil {
		lambda.SendLoadError(w.peer, err)
		return
	}
	defer inst.Close(context.Background())

	if err := lambda.Serve(ctx, w.peer, inst, w.capture.ErrW); err != nil {
		slog.Warn("in-process worker stopped", "err", err)
	}
}

func (sp *InProcSpawner) Cleanup() {}

func (w *inprocWorker) Pid() int {
	return 0
}

func (w *inprocWorker) Transport() ipc.Transport {
	return w.transport
}

func (w *inprocWorker) Capture() *Capture {
	return w.capture
}

func (w *inprocWorker) Exited() <-chan struct{} {
	return w.exited
}

func (w *inprocWorker) Kill() {
	w.cancel()
	w.transport.Close()

	select {
	case <-w.exited:
	case <-time.After(inprocKillGrace):
		slog.Warn("in-process worker ignored cancellation, abandoning it")
	}
}

func (w *inprocWorker) Close() {
	w.cancel()
	w.transport.Close()
	w.capture.Close()
}
