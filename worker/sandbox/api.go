package sandbox

import (
	"github.com/open-lambda/wdog/worker/lambda"
	"github.com/open-lambda/wdog/worker/sandbox/ipc"
)

type WorkerState int32

const (
	Loading WorkerState = iota
	Ready
	Busy
	Restarting
	Failed
)

func (s WorkerState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Restarting:
		return "restarting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of one call. Code is 0 on success; otherwise
// Return carries a short description of what went wrong.
type Result struct {
	// JSON-encoded value produced by the module, or an error description
	Return string `json:"return"`
	Code   int    `json:"code"`

	// output captured during exactly this call
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// worker-side duration of the entry point (usec)
	Time int64 `json:"time"`

	// end-to-end duration as seen by the supervisor (usec)
	CTime int64 `json:"ctime"`

	// HTTP status chosen by the module; only meaningful when Code is 0
	Status int `json:"-"`
}

// Worker is one live instance of the tenant module, either a separate
// process or a goroutine in ours.
//
// A Worker is owned by exactly one Supervisor, which is the only caller
// of its methods. It never restarts itself: once Exited is closed the
// Worker is dead and the Supervisor builds a new one through a Spawner.
type Worker interface {
	// Pid of the worker process, or 0 for in-process workers.
	Pid() int

	// Transport carries requests to the worker and replies back.
	// The first message from the worker is always a hello.
	Transport() ipc.Transport

	// Capture holds whatever the worker wrote to stdout and stderr
	// that nobody has drained yet.
	Capture() *Capture

	// Exited is closed once the worker is gone, whether it crashed or
	// was killed.
	Exited() <-chan struct{}

	// Kill stops the worker without giving it a chance to clean up,
	// and returns once Exited is closed.
	Kill()

	// Close releases the transport, the capture pipes and anything
	// else the worker held. Only valid after Exited is closed.
	Close()
}

// Spawner builds Workers for one module.
type Spawner interface {
	// Spawn starts a new Worker. prog is the module as loaded by the
	// supervisor; process spawners ignore it and let the new process
	// load the module itself.
	Spawn(prog lambda.Program) (Worker, error)

	// Cleanup releases what the Spawner shares across its Workers.
	Cleanup()
}
