// Package metrics exposes engine counters on a dedicated Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted    prometheus.Counter
	RunsFinished   *prometheus.CounterVec
	PatchesEmitted *prometheus.CounterVec
	LogEntries     prometheus.Counter
}

// New creates the metrics set. activeRuns and wsConnections are sampled at
// scrape time.
func New(activeRuns, wsConnections func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_runs_started_total",
			Help: "Runs admitted and started.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_runs_finished_total",
			Help: "Runs finished, by terminal status.",
		}, []string{"status"}),
		PatchesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_patches_emitted_total",
			Help: "Patch batches broadcast, by channel.",
		}, []string{"channel"}),
		LogEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_log_entries_total",
			Help: "Log entries appended across all runs.",
		}),
	}
	reg.MustRegister(m.RunsStarted, m.RunsFinished, m.PatchesEmitted, m.LogEntries)
	if activeRuns != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestrator_runs_active",
			Help: "Runs currently pending or in progress.",
		}, activeRuns))
	}
	if wsConnections != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orchestrator_ws_connections",
			Help: "Open websocket observer connections.",
		}, wsConnections))
	}
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
