package common

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the watchdog's Prometheus collectors. They live on a
// private registry so tests can build as many as they like.
type Metrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	duration    prometheus.Histogram
	stages      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wdog_invocations_total",
				Help: "Invocations by result code",
			},
			[]string{"code"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wdog_restarts_total",
				Help: "Worker restarts by reason",
			},
			[]string{"reason"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wdog_invocation_seconds",
				Help:    "End-to-end invocation time as seen by the supervisor",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		stages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wdog_stage_latency_ms",
				Help:    "Latency of internal stages",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			},
			[]string{"stage"},
		),
	}

	m.registry.MustRegister(m.invocations, m.restarts, m.duration, m.stages)
	return m
}

func (m *Metrics) ObserveInvocation(code int, seconds float64) {
	m.invocations.WithLabelValues(strconv.Itoa(code)).Inc()
	m.duration.Observe(seconds)
}

func (m *Metrics) ObserveRestart(reason string) {
	m.restarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeStage(stage string, ms int64) {
	m.stages.WithLabelValues(stage).Observe(float64(ms))
}

// Gather exposes the registry, mostly for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Stats is the process-wide collector set.
var Stats = NewMetrics()
