package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox/cgroups"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

// ProcessSpawner runs every worker as a child process. The child gets
// its end of the transport on fd 3 and the capture pipes as stdout and
// stderr, and loads the module on its own.
type ProcessSpawner struct {
	// executable and arguments of the worker (usually "wdog worker ...")
	Path string
	Args []string

	// nil inherits our environment
	Env []string

	MaxMsg      int
	OutputLimit int

	// optional; each worker then gets a fresh cgroup
	Limiter *cgroups.Limiter
}

type processWorker struct {
	cmd       *exec.Cmd
	transport *ipc.SeqPacket
	capture   *Capture
	cg        cgroups.Cgroup
	exited    chan struct{}
	waitErr   error
}

func (ps *ProcessSpawner) Spawn(_ lambda.Program) (Worker, error) {
	capture, err := NewCapture(ps.OutputLimit)
	if err != nil {
		return nil, err
	}

	transport, child, err := ipc.NewPair(ps.MaxMsg)
	if err != nil {
		capture.Close()
		return nil, err
	}

	cmd := exec.Command(ps.Path, ps.Args...)
	cmd.Env = ps.Env
	cmd.Stdout = capture.OutW
	cmd.Stderr = capture.ErrW
	cmd.ExtraFiles = []*os.File{child} // fd 3
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		child.Close()
		transport.Close()
		capture.Close()
		return nil, fmt.Errorf("start worker %s: %w", ps.Path, err)
	}

	// the child has its own copies now
	child.Close()
	capture.CloseWriters()

	w := &processWorker{
		cmd:       cmd,
		transport: transport,
		capture:   capture,
		exited:    make(chan struct{}),
	}

	if ps.Limiter != nil {
		if cg, err := ps.Limiter.NewCgroup(); err != nil {
			slog.Warn("worker runs without cgroup", "pid", cmd.Process.Pid, "err", err)
		} else if err := cg.AddPid(cmd.Process.Pid); err != nil {
			slog.Warn("worker runs without cgroup", "pid", cmd.Process.Pid, "err", err)
			cg.Destroy()
		} else {
			w.cg = cg
		}
	}

	go func() {
		w.waitErr = w.cmd.Wait()
		close(w.exited)
	}()

	return w, nil
}

func (ps *ProcessSpawner) Cleanup() {
	if ps.Limiter != nil {
		ps.Limiter.Destroy()
	}
}

func (w *processWorker) Pid() int {
	return w.cmd.Process.Pid
}

func (w *processWorker) Transport() ipc.Transport {
	return w.transport
}

func (w *processWorker) Capture() *Capture {
	return w.capture
}

func (w *processWorker) Exited() <-chan struct{} {
	return w.exited
}

func (w *processWorker) Kill() {
	select {
	case <-w.exited:
		return
	default:
	}

	if w.cg != nil {
		w.cg.KillAllProcs()
	}
	// the worker leads its own process group
	if err := syscall.Kill(-w.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		w.cmd.Process.Kill()
	}
	<-w.exited
}

func (w *processWorker) Close() {
	w.transport.Close()
	w.capture.Close()
	if w.cg != nil {
		w.cg.Destroy()
		w.cg = nil
	}
	if w.waitErr != nil {
		slog.Debug("worker exit status", "pid", w.cmd.Process.Pid, "err", w.waitErr)
	}
}
