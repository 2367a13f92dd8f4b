package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "riverbulk"
	metricsSubsystem = "kafka_consumer"
)

var consumerLabels = []string{"topic", "consumer_group"}

func consumerCounter(name, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	ConsumerMessagesReceived  = consumerCounter("messages_received_total", "Change feed messages fetched from the broker.", consumerLabels)
	ConsumerMessagesProcessed = consumerCounter("messages_processed_total", "Change feed messages handled and committed.", consumerLabels)
	ConsumerMessagesFailed    = consumerCounter("messages_failed_total", "Messages that could not be decoded or exhausted their retries.", consumerLabels)
	ConsumerRetries           = consumerCounter("retries_total", "Handler attempts that failed and were retried.", consumerLabels)
	ConsumerDLQPublished      = consumerCounter("dlq_published_total", "Messages published to the dead-letter topic.", consumerLabels)

	// ConsumerMessagesDuplicate counts events skipped by the idempotency guard.
	ConsumerMessagesDuplicate = consumerCounter("messages_duplicate_total", "Events skipped because their ID was already processed.", []string{"event_type"})

	ConsumerProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "processing_duration_seconds",
		Help:      "Time spent handling a message, retries included.",
		Buckets:   prometheus.DefBuckets,
	}, consumerLabels)

	// ConsumerCommittedOffset is the last committed offset per partition.
	ConsumerCommittedOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "committed_offset",
		Help:      "Last offset committed by the consumer group.",
	}, []string{"topic", "consumer_group", "partition"})
)
