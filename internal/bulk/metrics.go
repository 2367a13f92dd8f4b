package bulk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush outcomes used as the "outcome" label.
const (
	outcomeSuccess   = "success"
	outcomeFailed    = "failed"
	outcomeIgnored   = "ignored"
	outcomeEmpty     = "empty"
	outcomeAbandoned = "abandoned"
)

var (
	// FlushesTotal counts processed flushes by outcome.
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverbulk_flushes_total",
			Help: "Total number of bulk flushes processed, by outcome",
		},
		[]string{"index", "type", "outcome"},
	)

	// ItemsCommitted counts bulk items acknowledged by the store.
	ItemsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverbulk_items_committed_total",
			Help: "Total number of bulk items committed to the store",
		},
		[]string{"index", "type"},
	)

	// RejectedOperations counts malformed operations refused before queuing.
	RejectedOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverbulk_operations_rejected_total",
			Help: "Total number of operations rejected by validation before queuing",
		},
		[]string{"index", "type"},
	)

	// FlushDuration observes the time from drain to outcome.
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riverbulk_flush_duration_seconds",
			Help:    "Duration of bulk flush processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index", "type"},
	)

	// AdmissionWait observes how long flushes waited for store capacity.
	AdmissionWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riverbulk_admission_wait_seconds",
			Help:    "Time spent waiting for a write thread pool with idle workers",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// RebuildsTotal counts drop-and-recreate mapping sequences by outcome.
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverbulk_mapping_rebuilds_total",
			Help: "Total number of drop-and-recreate mapping sequences, by outcome",
		},
		[]string{"index", "type", "outcome"},
	)

	// StatisticsDropped counts statistics records dropped because the queue was full.
	StatisticsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverbulk_statistics_dropped_total",
			Help: "Total number of statistics records dropped before reaching the sink",
		},
	)
)
