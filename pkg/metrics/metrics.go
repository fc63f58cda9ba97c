// Package metrics provides Prometheus metrics for the Data Hub merge service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergesTotal tracks merge attempts by outcome
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datahub",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of merge attempts by entity type and status",
		},
		[]string{"entity_type", "status"},
	)

	// MergeDuration tracks how long a merge transaction takes
	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "datahub",
			Subsystem: "merge",
			Name:      "merge_duration_seconds",
			Help:      "Duration of merges in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"entity_type"},
	)

	// RowsMoved tracks related rows re-pointed to a merge target
	RowsMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datahub",
			Subsystem: "merge",
			Name:      "rows_moved_total",
			Help:      "Total number of related rows moved by merges",
		},
		[]string{"entity_type", "model"},
	)

	// RowFailures tracks related rows skipped because their update failed
	RowFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datahub",
			Subsystem: "merge",
			Name:      "row_failures_total",
			Help:      "Total number of related rows that failed to move",
		},
		[]string{"entity_type", "model"},
	)

	// RollbacksTotal tracks merge rollbacks by outcome
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datahub",
			Subsystem: "merge",
			Name:      "rollbacks_total",
			Help:      "Total number of merge rollbacks by entity type and status",
		},
		[]string{"entity_type", "status"},
	)

	// EventsPublished tracks merge events sent to Kafka
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datahub",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of merge events published by type and status",
		},
		[]string{"event_type", "status"},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datahub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)
)
