package postgres

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryDuration tracks how long store queries take.
	// Labels: op (get, insert, update, list, list_avoided, set_avoid,
	// history_append, history_since, history_prune)
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patternd",
			Subsystem: "postgres",
			Name:      "query_duration_seconds",
			Help:      "Duration of store queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// QueryErrors counts failed store queries, excluding expected conflicts.
	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "postgres",
			Name:      "query_errors_total",
			Help:      "Total number of failed store queries",
		},
		[]string{"op"},
	)

	// VersionConflicts counts conditional writes that matched no row.
	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "postgres",
			Name:      "version_conflicts_total",
			Help:      "Total number of aggregate writes rejected by a version mismatch",
		},
	)
)
