package kafka

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherMetricNames collects all metric names from the default registry.
func gatherMetricNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	return names
}

func TestConsumerMetrics_Registered(t *testing.T) {
	// Vectors only show up in Gather once a child exists.
	ConsumerMessagesProcessed.WithLabelValues("test-topic", "test-group")
	ConsumerMessagesFailed.WithLabelValues("test-topic", "test-group")
	ConsumerProcessingDuration.WithLabelValues("test-topic", "test-group")
	ConsumerMessagesReceived.WithLabelValues("test-topic", "test-group")
	ConsumerMessagesDuplicate.WithLabelValues("river.document.indexed")
	ConsumerDLQPublished.WithLabelValues("test-topic", "test-group")
	ConsumerRetries.WithLabelValues("test-topic", "test-group")
	ConsumerCommittedOffset.WithLabelValues("test-topic", "test-group", "0")

	names := gatherMetricNames(t)
	for _, name := range []string{
		"riverbulk_kafka_consumer_messages_processed_total",
		"riverbulk_kafka_consumer_messages_failed_total",
		"riverbulk_kafka_consumer_processing_duration_seconds",
		"riverbulk_kafka_consumer_messages_received_total",
		"riverbulk_kafka_consumer_messages_duplicate_total",
		"riverbulk_kafka_consumer_dlq_published_total",
		"riverbulk_kafka_consumer_retries_total",
		"riverbulk_kafka_consumer_committed_offset",
	} {
		assert.True(t, names[name], "expected metric %q to be registered", name)
	}
}

func TestConsumerMetrics_IncrementAndCollect(t *testing.T) {
	topic := "metrics-test-consumer-topic"
	group := "metrics-test-consumer-group"

	processed := ConsumerMessagesProcessed.WithLabelValues(topic, group)
	failed := ConsumerMessagesFailed.WithLabelValues(topic, group)
	before := testutil.ToFloat64(processed)
	beforeFailed := testutil.ToFloat64(failed)

	processed.Inc()
	processed.Inc()
	failed.Inc()

	assert.InDelta(t, before+2, testutil.ToFloat64(processed), 0.001)
	assert.InDelta(t, beforeFailed+1, testutil.ToFloat64(failed), 0.001)
}
