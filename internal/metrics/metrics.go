// Package metrics exposes internal-only Prometheus gauges and
// counters over plain net/http — the agent's only network-facing
// interface besides the outbound API clients — grounded on warren's
// pkg/metrics:
// package-level collectors registered in init, promhttp.Handler served
// directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arcamatrix_pool_available_workspaces",
		Help: "Number of workspaces currently available for assignment.",
	})

	PoolAssigned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arcamatrix_pool_assigned_workspaces",
		Help: "Number of workspaces currently assigned to customers.",
	})

	PoolTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arcamatrix_pool_total_workspaces",
		Help: "Total number of workspaces tracked by the pool.",
	})

	PoolNeedsExpansion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arcamatrix_pool_needs_expansion",
		Help: "1 if the pool has fewer than the minimum available workspaces, else 0.",
	})

	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arcamatrix_tasks_processed_total",
		Help: "Total tasks processed by type and terminal status.",
	}, []string{"type", "status"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arcamatrix_task_duration_seconds",
		Help:    "Task processing duration in seconds, by type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	PatchesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arcamatrix_patches_applied_total",
		Help: "Total pre-hook patches applied by kind.",
	}, []string{"kind"})

	HealthProbesFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arcamatrix_health_probes_failed_total",
		Help: "Total failed health probes against assigned workspaces.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		PoolAvailable,
		PoolAssigned,
		PoolTotal,
		PoolNeedsExpansion,
		TasksProcessedTotal,
		TaskDuration,
		PatchesAppliedTotal,
		HealthProbesFailedTotal,
	)
}

// Handler returns the net/http handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
