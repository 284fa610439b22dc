package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "serverbot"

// Metrics holds the dispatch and reconciliation counters. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	interactions    *prometheus.CounterVec
	events          *prometheus.CounterVec
	launches        *prometheus.CounterVec
	compensations   prometheus.Counter
	conflicts       *prometheus.CounterVec
	notifyFailures  prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed by the worker, by action and outcome.",
		}, []string{"action", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Worker command execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Interactions handled by the frontend, by action and outcome.",
		}, []string{"action", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events reconciled, by phase and outcome.",
		}, []string{"phase", "outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Provisioner launch calls, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_compensations_total",
			Help:      "Launched resources stopped again after losing a state race.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Conditional write collisions, by operation.",
		}, []string{"op"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Best-effort notifications that could not be delivered.",
		}),
	}
	reg.MustRegister(
		m.commands, m.commandDuration, m.interactions, m.events,
		m.launches, m.compensations, m.conflicts, m.notifyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Command(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, outcome).Inc()
	m.commandDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) Interaction(action, outcome string) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) Event(phase, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) Launch(backend, outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) Compensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) NotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
