package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Outcome messages handled, by acknowledgement action",
		},
		[]string{"action"},
	)

	handleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "patternd",
			Subsystem: "ingest",
			Name:      "handle_duration_seconds",
			Help:      "Time to decode and record one outcome message",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
