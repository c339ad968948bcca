package common

import (
	"log/slog"
	"time"
)

type Latency struct {
	name         string
	t0           time.Time
	Milliseconds int64
}

// record start time
func T0(name string) *Latency {
	return &Latency{
		name: name,
		t0:   time.Now(),
	}
}

// measure latency to end time, and record it
func (l *Latency) T1() {
	var zero time.Time
	if l.t0 == zero {
		panic("double counted stat for " + l.name)
	}

	l.Milliseconds = time.Since(l.t0).Milliseconds()
	l.t0 = zero
	Stats.observeStage(l.name, l.Milliseconds)

	if Conf != nil && Conf.Trace.Latency {
		slog.Info("latency", "stage", l.name, "ms", l.Milliseconds)
	}
}

// start measuring a sub latency
func (l *Latency) T0(name string) *Latency {
	return T0(l.name + "/" + name)
}
