package config

import (
	"fmt"
	"time"

	"github.com/utafrali/riverbulk/internal/bulk"
	pkgconfig "github.com/utafrali/riverbulk/pkg/config"
	"github.com/utafrali/riverbulk/pkg/validator"
)

// Store backends.
const (
	BackendElasticsearch = "elasticsearch"
	BackendOpenSearch    = "opensearch"
	BackendMemory        = "memory"
	BackendRedis         = "redis"
)

// Config holds all configuration for the river bulk service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`

	// HTTP admin server
	HTTPPort          int      `env:"RIVER_HTTP_PORT" envDefault:"8020" validate:"min=1,max=65535"`
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envSeparator:","`

	// River target. Events without an explicit index/type use these.
	RiverName  string `env:"RIVER_NAME" envDefault:"mongodb" validate:"required"`
	RiverIndex string `env:"RIVER_INDEX" validate:"required"`
	RiverType  string `env:"RIVER_TYPE" envDefault:"_doc" validate:"required"`

	// Bulk batching
	BulkActions        int           `env:"BULK_ACTIONS" envDefault:"1000" validate:"min=1"`
	BulkSizeBytes      int           `env:"BULK_SIZE_BYTES" envDefault:"5242880" validate:"gte=0"`
	FlushInterval      time.Duration `env:"FLUSH_INTERVAL" envDefault:"10ms" validate:"gte=0"`
	ConcurrentRequests int           `env:"CONCURRENT_REQUESTS" envDefault:"50" validate:"min=1"`

	// Admission control
	AdmissionPollInterval time.Duration `env:"ADMISSION_POLL_INTERVAL" envDefault:"500ms" validate:"gt=0"`
	AdmissionMaxWait      time.Duration `env:"ADMISSION_MAX_WAIT" envDefault:"0s" validate:"gte=0"`

	// Search store
	StoreBackend     string   `env:"STORE_BACKEND" envDefault:"elasticsearch" validate:"oneof=elasticsearch opensearch memory"`
	ElasticsearchURL []string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200" envSeparator:"," validate:"required_if=StoreBackend elasticsearch"`
	OpenSearchURL    string   `env:"OPENSEARCH_URL" envDefault:"http://localhost:9200" validate:"required_if=StoreBackend opensearch"`
	StoreUsername    string   `env:"STORE_USERNAME"`
	StorePassword    string   `env:"STORE_PASSWORD"`
	WritePool        string   `env:"WRITE_POOL" envDefault:"write" validate:"required"`

	// Statistics
	StatisticsEnabled bool   `env:"STATISTICS_ENABLED" envDefault:"false"`
	StatisticsIndex   string `env:"STATISTICS_INDEX" envDefault:"river_statistics" validate:"required_if=StatisticsEnabled true"`
	StatisticsType    string `env:"STATISTICS_TYPE" envDefault:"mongodb" validate:"required_if=StatisticsEnabled true"`

	// Pipeline status
	StatusBackend string `env:"STATUS_BACKEND" envDefault:"memory" validate:"oneof=memory redis"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379" validate:"required_if=StatusBackend redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`

	RedisSlowThreshold time.Duration `env:"REDIS_SLOW_THRESHOLD" envDefault:"100ms" validate:"gte=0"`

	// Kafka change feed. An empty topic disables the consumer.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"river.changes"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"riverbulk"`
	KafkaRetries int      `env:"KAFKA_MAX_RETRIES" envDefault:"3" validate:"gte=0"`

	// Processed event IDs are remembered this long. Shared through Redis
	// when STATUS_BACKEND=redis.
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h" validate:"gt=0"`

	// Graceful shutdown budget
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load(opts ...pkgconfig.Option) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg, opts...); err != nil {
		return nil, fmt.Errorf("load river config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("invalid river config: %w", err)
	}
	if c.KafkaTopic != "" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_TOPIC is set")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

// Registry returns the coordinator settings shared by every index/type pair.
func (c *Config) Registry() bulk.RegistryConfig {
	return bulk.RegistryConfig{
		River: c.RiverName,
		Bulk: bulk.Config{
			BulkActions:        c.BulkActions,
			BulkSize:           c.BulkSizeBytes,
			FlushInterval:      c.FlushInterval,
			ConcurrentRequests: c.ConcurrentRequests,
		},
		Gate: bulk.GateConfig{
			PollInterval: c.AdmissionPollInterval,
			MaxWait:      c.AdmissionMaxWait,
		},
	}
}

// Recorder returns the statistics recorder settings.
func (c *Config) Recorder() bulk.RecorderConfig {
	return bulk.RecorderConfig{
		Enabled: c.StatisticsEnabled,
		Index:   c.StatisticsIndex,
		Type:    c.StatisticsType,
	}
}
