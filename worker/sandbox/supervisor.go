package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/open-lambda/wdog/common"
	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

const exitGrace = time.Second

// Options describe the module a Supervisor runs.
type Options struct {
	Name       string
	Runtime    string
	ModulePath string

	// how long a fresh worker may take to send its hello
	HelloTimeout time.Duration

	// respawn a worker as soon as it dies instead of on the next call
	ProactiveRestart bool
}

// Status is a snapshot for the admin socket.
type Status struct {
	State    string `json:"state"`
	Pid      int    `json:"pid"`
	Restarts int64  `json:"restarts"`
	Error    string `json:"error,omitempty"`
}

// Supervisor owns the single worker of a watchdog instance. It feeds
// the worker one request at a time, enforces the per-call timeout and
// replaces the worker whenever it stalls or dies.
//
// A Supervisor is either operational (it has a worker, or can build
// one) or degraded (the module failed to load). Which one is decided
// once by Start and never changes.
type Supervisor struct {
	opts    Options
	spawner Spawner

	// mu serializes calls and every swap of worker
	mu       sync.Mutex
	prog     lambda.Program
	worker   Worker
	degraded *Result
	stopped  bool

	// readable without mu, so /status never waits behind a call
	state    atomic.Int32
	pid      atomic.Int64
	restarts atomic.Int64
}

func NewSupervisor(opts Options, spawner Spawner) *Supervisor {
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 10 * time.Second
	}
	s := &Supervisor{
		opts:    opts,
		spawner: spawner,
	}
	s.state.Store(int32(Loading))
	return s
}

// Start loads the module and brings up the first worker. A module that
// does not load puts the Supervisor in degraded mode without spawning
// anything; that is not an error. Errors mean the watchdog itself is
// broken (e.g. it cannot start processes).
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prog, err := lambda.Preflight(ctx, s.opts.Runtime, s.opts.ModulePath)
	if err != nil {
		s.degradeLocked(err)
		return nil
	}
	s.prog = prog

	if err := s.spawnLocked(); err != nil {
		return fmt.Errorf("start worker for %s: %w", s.opts.ModulePath, err)
	}
	return nil
}

func (s *Supervisor) degradeLocked(err error) {
	res := &Result{Code: common.CodeDegraded, Return: err.Error()}
	var le *lambda.LoadError
	if errors.As(err, &le) {
		res.Stdout = le.Trace
	} else {
		res.Stdout = err.Error()
	}

	s.degraded = res
	s.state.Store(int32(Failed))
	s.pid.Store(0)
	s.printf("module failed to load, serving %d: %s", common.CodeDegraded, res.Return)
}

// spawnLocked starts a worker and waits for its hello.
func (s *Supervisor) spawnLocked() error {
	t := common.T0("spawn-worker")
	defer t.T1()

	s.state.Store(int32(Loading))
	w, err := s.spawner.Spawn(s.prog)
	if err != nil {
		return err
	}

	hello, err := s.awaitHello(w)
	if err != nil {
		w.Kill()
		w.Close()
		return err
	}

	if hello.Res == ipc.ResLoadError {
		w.Kill()
		stdout, stderr := w.Capture().Drain()
		w.Close()
		s.degradeLocked(&lambda.LoadError{
			Path:  s.opts.ModulePath,
			Err:   errors.New(hello.Error),
			Trace: strings.Join([]string{hello.Trace, stdout, stderr}, ""),
		})
		return nil
	}

	s.worker = w
	s.pid.Store(int64(w.Pid()))
	s.state.Store(int32(Ready))
	s.printf("worker %d ready", w.Pid())

	if s.opts.ProactiveRestart {
		go s.monitor(w)
	}
	return nil
}

func (s *Supervisor) awaitHello(w Worker) (*ipc.Reply, error) {
	ch := make(chan error, 1)
	var hello ipc.Reply
	go func() {
		ch <- ipc.RecvJSON(w.Transport(), &hello)
	}()

	timer := time.NewTimer(s.opts.HelloTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		if err != nil {
			return nil, fmt.Errorf("worker hello: %w", err)
		}
	case <-timer.C:
		return nil, fmt.Errorf("worker sent no hello within %v", s.opts.HelloTimeout)
	}

	switch hello.Res {
	case ipc.ResReady, ipc.ResLoadError:
		return &hello, nil
	}
	return nil, fmt.Errorf("%w: unexpected hello %q", ipc.ErrProtocol, hello.Res)
}

// restartLocked replaces the current worker. The old one is dead and
// its leftover output gone before the new one starts.
func (s *Supervisor) restartLocked(reason string) {
	t := common.T0("restart-worker")
	defer t.T1()

	s.state.Store(int32(Restarting))
	s.restarts.Add(1)
	common.Stats.ObserveRestart(reason)

	if old := s.worker; old != nil {
		s.worker = nil
		s.pid.Store(0)
		old.Kill()
		old.Capture().Discard()
		old.Close()
		s.printf("worker %d gone (%s)", old.Pid(), reason)
	}

	if s.stopped {
		return
	}

	// a failed respawn is retried by the next call
	if err := s.spawnLocked(); err != nil {
		s.printf("respawn failed: %v", err)
		s.state.Store(int32(Restarting))
	}
}

// monitor respawns w if it dies while nobody is calling it.
func (s *Supervisor) monitor(w Worker) {
	<-w.Exited()

	s.mu.Lock()
	defer s.mu.Unlock()

	// a call or Stop already took care of it
	if s.worker != w || s.stopped {
		return
	}
	s.printf("worker %d exited while idle", w.Pid())
	s.restartLocked("exited")
}

// outcome is whichever of reply, exit and timeout happened first.
type outcome struct {
	reply    *ipc.Reply
	err      error
	exited   bool
	timedOut bool
}

// slot holds exactly one outcome; later writers are ignored.
type slot struct {
	once sync.Once
	ch   chan outcome
}

func newSlot() *slot {
	return &slot{ch: make(chan outcome, 1)}
}

func (sl *slot) resolve(o outcome) {
	sl.once.Do(func() {
		sl.ch <- o
	})
}

// Call runs one request on the worker and waits at most timeout for the
// answer. It never returns nil, and infrastructure failures come back
// as Result codes rather than errors.
func (s *Supervisor) Call(req *ipc.Request, timeout time.Duration) (res *Result) {
	start := time.Now()
	id := ulid.Make().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		res.CTime = time.Since(start).Microseconds()
		common.Stats.ObserveInvocation(res.Code, time.Since(start).Seconds())
		slog.Info("invocation",
			"id", id,
			"module", s.opts.Name,
			"code", res.Code,
			"time_us", res.Time,
			"ctime_us", res.CTime)
	}()

	if s.degraded != nil {
		cp := *s.degraded
		return &cp
	}
	if s.stopped {
		return &Result{Code: common.CodeFailed, Return: "stopped"}
	}

	// previous worker died with nobody watching
	if s.worker != nil {
		select {
		case <-s.worker.Exited():
			s.restartLocked("exited")
		default:
		}
	}
	if s.worker == nil {
		s.restartLocked("respawn")
		if s.degraded != nil {
			cp := *s.degraded
			return &cp
		}
		if s.worker == nil {
			return &Result{Code: common.CodeFailed, Return: "no worker"}
		}
	}

	return s.callLocked(id, req, timeout)
}

func (s *Supervisor) callLocked(id string, req *ipc.Request, timeout time.Duration) *Result {
	w := s.worker
	s.state.Store(int32(Busy))
	defer func() {
		if s.worker != nil {
			s.state.Store(int32(Ready))
		}
	}()

	// nothing from before this call may leak into it
	w.Capture().Discard()

	msg, err := json.Marshal(req)
	if err != nil {
		return &Result{Code: common.CodeFailed, Return: fmt.Sprintf("bad request: %v", err)}
	}
	if err := w.Transport().Send(msg); err != nil {
		if errors.Is(err, ipc.ErrTooLarge) {
			return &Result{Code: common.CodeFailed, Return: "request too large"}
		}
		return s.exitedLocked(id, w)
	}

	sl := newSlot()
	done := make(chan struct{})
	defer close(done)

	go func() {
		var reply ipc.Reply
		if err := ipc.RecvJSON(w.Transport(), &reply); err != nil {
			sl.resolve(outcome{err: err})
			return
		}
		sl.resolve(outcome{reply: &reply})
	}()
	go func() {
		select {
		case <-w.Exited():
			sl.resolve(outcome{exited: true})
		case <-done:
		}
	}()
	timer := time.AfterFunc(timeout, func() {
		sl.resolve(outcome{timedOut: true})
	})
	defer timer.Stop()

	out := <-sl.ch

	switch {
	case out.timedOut:
		slog.Warn("invocation timed out", "id", id, "timeout", timeout, "pid", w.Pid())
		s.restartLocked("timeout")
		return &Result{Code: common.CodeTimeout, Return: "timeout"}

	case out.exited, out.err == io.EOF, errors.Is(out.err, ipc.ErrClosed):
		return s.exitedLocked(id, w)

	case out.err != nil:
		// the stream is out of step with the worker, so it must go
		slog.Warn("bad reply from worker", "id", id, "err", out.err)
		stdout, stderr := w.Capture().Drain()
		s.restartLocked("protocol")
		return &Result{Code: common.CodeFailed, Return: "bad reply", Stdout: stdout, Stderr: stderr}
	}

	stdout, stderr := w.Capture().Drain()
	reply := out.reply
	switch reply.Res {
	case ipc.ResOK:
		return &Result{
			Return: string(reply.Retj),
			Code:   common.CodeOK,
			Stdout: stdout,
			Stderr: stderr,
			Time:   reply.Time,
			Status: reply.Status,
		}
	case ipc.ResException:
		return &Result{
			Return: "exception",
			Code:   common.CodeFailed,
			Stdout: stdout,
			Stderr: stderr,
			Time:   reply.Time,
		}
	}

	slog.Warn("unknown reply from worker", "id", id, "res", reply.Res)
	s.restartLocked("protocol")
	return &Result{Code: common.CodeFailed, Return: "bad reply", Stdout: stdout, Stderr: stderr}
}

// exitedLocked handles a worker that died under a call. Whatever it
// managed to print is returned with the failure.
func (s *Supervisor) exitedLocked(id string, w Worker) *Result {
	// a closed transport usually beats the exit status by a moment
	select {
	case <-w.Exited():
	case <-time.After(exitGrace):
	}
	stdout, stderr := w.Capture().Drain()
	slog.Warn("worker exited during invocation", "id", id, "pid", w.Pid())
	s.restartLocked("exited")
	return &Result{Code: common.CodeFailed, Return: "exited", Stdout: stdout, Stderr: stderr}
}

func (s *Supervisor) Status() Status {
	st := Status{
		State:    WorkerState(s.state.Load()).String(),
		Pid:      int(s.pid.Load()),
		Restarts: s.restarts.Load(),
	}
	if WorkerState(s.state.Load()) == Failed {
		s.mu.Lock()
		if s.degraded != nil {
			st.Error = s.degraded.Return
		}
		s.mu.Unlock()
	}
	return st
}

// Degraded reports whether the module failed to load.
func (s *Supervisor) Degraded() bool {
	return WorkerState(s.state.Load()) == Failed
}

// Stop kills the worker and releases everything. Calls made afterwards
// fail.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	if w := s.worker; w != nil {
		s.worker = nil
		w.Kill()
		w.Close()
		s.printf("worker %d stopped", w.Pid())
	}
	if s.prog != nil {
		s.prog.Close(context.Background())
		s.prog = nil
	}
	s.spawner.Cleanup()
	s.pid.Store(0)
}

func (s *Supervisor) printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Info(fmt.Sprintf("%s [SUPERVISOR %s]", strings.TrimRight(msg, "\n"), s.opts.Name))
}
