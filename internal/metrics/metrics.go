// Package metrics exposes prometheus collectors for the extension host.
// Collectors live on a dedicated registry so several hosts (and tests) can
// coexist in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups every collector the host updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	workerRestarts     prometheus.Counter
	workerState        *prometheus.GaugeVec
	pendingRequests    prometheus.Gauge
	requestsTotal      *prometheus.CounterVec
	graphPatches       *prometheus.CounterVec
	moduleActivations  *prometheus.CounterVec
	launcherLogEntries prometheus.Counter
}

// New builds the collectors and registers them with a fresh registry
// alongside the go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exthost_worker_restarts_total",
			Help: "Number of times the worker process was respawned after an unexpected exit.",
		}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exthost_worker_state",
			Help: "1 for the supervisor state the worker is currently in, 0 otherwise.",
		}, []string{"state"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exthost_pending_requests",
			Help: "Correlated requests awaiting a worker reply.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exthost_requests_total",
			Help: "Correlated requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		graphPatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exthost_graph_patches_total",
			Help: "Graph patches received by the host, by outcome.",
		}, []string{"outcome"}),
		moduleActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exthost_module_activations_total",
			Help: "Module activation status reports by status.",
		}, []string{"status"}),
		launcherLogEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exthost_launcher_log_entries_total",
			Help: "Launcher log entries forwarded by the worker.",
		}),
	}
	m.registry.MustRegister(
		m.workerRestarts,
		m.workerState,
		m.pendingRequests,
		m.requestsTotal,
		m.graphPatches,
		m.moduleActivations,
		m.launcherLogEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WorkerRestarted counts one respawn.
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

// WorkerState flips the state gauge to state.
func (m *Metrics) WorkerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.workerState.WithLabelValues(s).Set(value)
	}
}

// PendingRequests records the size of the correlation map.
func (m *Metrics) PendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// RequestCompleted counts a correlated request outcome.
func (m *Metrics) RequestCompleted(kind, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind, outcome).Inc()
}

// GraphPatch counts a patch as applied or discarded.
func (m *Metrics) GraphPatch(applied bool) {
	if m == nil {
		return
	}
	outcome := "discarded"
	if applied {
		outcome = "applied"
	}
	m.graphPatches.WithLabelValues(outcome).Inc()
}

// ModuleStatus counts one activation status report.
func (m *Metrics) ModuleStatus(status string) {
	if m == nil {
		return
	}
	m.moduleActivations.WithLabelValues(status).Inc()
}

// LauncherLog counts one forwarded launcher log entry.
func (m *Metrics) LauncherLog() {
	if m == nil {
		return
	}
	m.launcherLogEntries.Inc()
}
