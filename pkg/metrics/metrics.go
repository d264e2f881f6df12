// Package metrics provides Prometheus metrics for the sync engine.
// Collectors cover run lifecycle, per-layer write volume, and run latency.
//
// Example:
//
//	metrics.RunsStarted.WithLabelValues("orders-db", "scheduled").Inc()
//
//	timer := metrics.NewTimer()
//	executeRun()
//	metrics.RunDuration.WithLabelValues("orders-db", "completed").Observe(timer.Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts dispatched sync runs.
	// Labels: connector, trigger (scheduled/manual)
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strataflow_runs_started_total",
			Help: "Total number of sync runs started",
		},
		[]string{"connector", "trigger"},
	)

	// RunsFinished counts finished sync runs by terminal status.
	// Labels: connector, status (completed/failed/aborted)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strataflow_runs_finished_total",
			Help: "Total number of sync runs finished",
		},
		[]string{"connector", "status"},
	)

	// RunsRejected counts admissions rejected because a run was already active.
	RunsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strataflow_runs_rejected_total",
			Help: "Total number of run triggers rejected at admission",
		},
		[]string{"connector", "trigger"},
	)

	// RecordsRead counts records extracted from sources.
	RecordsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strataflow_records_read_total",
			Help: "Total number of records read from sources",
		},
		[]string{"connector", "stream"},
	)

	// RecordsWritten counts records persisted per storage layer.
	// Labels: connector, stream, layer (raw/validated/business)
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strataflow_records_written_total",
			Help: "Total number of records written per layer",
		},
		[]string{"connector", "stream", "layer"},
	)

	// DegradedBatches counts batches flagged degraded by enrichment.
	DegradedBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strataflow_degraded_batches_total",
			Help: "Total number of batches with degraded enrichment results",
		},
		[]string{"connector", "stream"},
	)

	// RunDuration tracks end-to-end run duration in seconds.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strataflow_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"connector", "status"},
	)

	// ActiveRuns tracks currently executing runs.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strataflow_active_runs",
			Help: "Number of sync runs currently executing",
		},
	)

	// QueueDepth tracks pending run requests waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strataflow_queue_depth",
			Help: "Current run queue depth",
		},
	)
)

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Seconds returns the elapsed time in seconds.
func (t *Timer) Seconds() float64 {
	return time.Since(t.start).Seconds()
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
