// Package metrics defines the Prometheus collectors the orchestration
// engine records. All collectors are registered on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KBOperationsTotal counts KB operations by op and outcome.
	KBOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_kb_operations_total",
		Help: "Total KB operations by operation, backend and result",
	}, []string{"operation", "backend", "result"})

	// KBOperationDuration observes KB operation latency.
	KBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multipkg_kb_operation_duration_seconds",
		Help:    "KB operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "backend"})

	// KBConflictsTotal counts transaction conflicts by backend.
	KBConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_kb_conflicts_total",
		Help: "Total KB transaction conflicts",
	}, []string{"backend"})

	// InstallsTotal counts install requests by outcome.
	InstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_installs_total",
		Help: "Total install requests by result",
	}, []string{"result"})

	// InstallerRunsTotal counts installer subprocess invocations.
	InstallerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_installer_runs_total",
		Help: "Installer subprocess invocations by tool and result",
	}, []string{"tool", "result"})

	// BubbleBuildsTotal counts bubble builds by outcome.
	BubbleBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_bubble_builds_total",
		Help: "Total bubble builds by result",
	}, []string{"result"})

	// BubbleBuildDuration observes full bubble-build protocol latency.
	BubbleBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "multipkg_bubble_build_duration_seconds",
		Help:    "Bubble build protocol latency",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// DedupSavedBytes accumulates bytes saved by dedup references.
	DedupSavedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multipkg_dedup_saved_bytes_total",
		Help: "Bytes saved by deduplicating bubble files against the main environment",
	})

	// ActivationsTotal counts loader activations by outcome.
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_activations_total",
		Help: "Total bubble activations by result",
	}, []string{"result"})

	// WorkerPoolSize tracks the current number of live worker daemons.
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multipkg_worker_pool_size",
		Help: "Current number of live worker daemons",
	})

	// WorkerEvictionsTotal counts worker evictions by reason.
	WorkerEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_worker_evictions_total",
		Help: "Worker daemon evictions by reason",
	}, []string{"reason"})

	// HealAttemptsTotal counts auto-heal attempts by outcome.
	HealAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multipkg_heal_attempts_total",
		Help: "Auto-heal attempts by result",
	}, []string{"result"})

	// SnapshotsTotal counts snapshot captures.
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multipkg_snapshots_total",
		Help: "Total snapshots captured",
	})
)
