// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks reconciliation runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconciliation runs by status",
		},
		[]string{"kind", "status"},
	)

	// RunDuration tracks wall clock duration of a run
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind"},
	)

	// EntitiesTotal tracks classified entities
	EntitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "entities_total",
			Help:      "Entities classified per run by classification",
		},
		[]string{"kind", "classification"},
	)

	// SnapshotParseErrors tracks skipped snapshot lines
	SnapshotParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "snapshot",
			Name:      "parse_errors_total",
			Help:      "Snapshot lines skipped because they could not be parsed",
		},
		[]string{"kind"},
	)

	// WritesTotal tracks item writes by target and outcome
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "persistence",
			Name:      "writes_total",
			Help:      "Item writes by target and outcome",
		},
		[]string{"target", "status"},
	)

	// RetriesTotal tracks retried outbound calls
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "Retried outbound calls by reason",
		},
		[]string{"reason"},
	)

	// ChangeEventsPublished tracks change events sent to Kafka
	ChangeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "change_events_total",
			Help:      "Change events published by status",
		},
		[]string{"topic", "status"},
	)
)

// RecordRun records the outcome of a reconciliation run
func RecordRun(kind, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(kind, status).Inc()
	RunDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordClassification records the classification counts of a run
func RecordClassification(kind string, newCount, modified, deleted, unchanged int) {
	EntitiesTotal.WithLabelValues(kind, "new").Add(float64(newCount))
	EntitiesTotal.WithLabelValues(kind, "modified").Add(float64(modified))
	EntitiesTotal.WithLabelValues(kind, "deleted").Add(float64(deleted))
	EntitiesTotal.WithLabelValues(kind, "unchanged").Add(float64(unchanged))
}

// RecordParseErrors records skipped snapshot lines
func RecordParseErrors(kind string, count int) {
	if count > 0 {
		SnapshotParseErrors.WithLabelValues(kind).Add(float64(count))
	}
}

// RecordWrite records a single item write
func RecordWrite(target, status string) {
	WritesTotal.WithLabelValues(target, status).Inc()
}

// RecordRetry records a retried call
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordChangeEvents records published change events
func RecordChangeEvents(topic, status string, count int) {
	ChangeEventsPublished.WithLabelValues(topic, status).Add(float64(count))
}
