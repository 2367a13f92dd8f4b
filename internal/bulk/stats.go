package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/utafrali/riverbulk/internal/domain"
)

// DocumentWriter persists a single statistics document.
type DocumentWriter interface {
	IndexDocument(ctx context.Context, index, id string, doc any) error
}

// RecorderConfig configures statistics persistence.
type RecorderConfig struct {
	Enabled      bool
	Index        string
	Type         string
	QueueSize    int
	WriteTimeout time.Duration

	// Breaker settings for the sink. Zero values use gobreaker defaults.
	BreakerTimeout     time.Duration
	BreakerMinRequests uint32
}

// StatisticsRecorder receives one record per successful flush.
type StatisticsRecorder interface {
	Record(ctx context.Context, duration time.Duration, c domain.Counters, index, typ string)
}

// Recorder logs every flush and, when enabled, writes the statistics
// document asynchronously so that a slow sink never delays a flush.
type Recorder struct {
	writer  DocumentWriter
	cfg     RecorderConfig
	logger  *slog.Logger
	queue   chan domain.Statistics
	breaker *gobreaker.CircuitBreaker[struct{}]
	now     func() time.Time
}

// NewRecorder creates a statistics recorder. Run must be started for records
// to reach the sink.
func NewRecorder(writer DocumentWriter, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 5
	}

	settings := gobreaker.Settings{
		Name:    "statistics-sink",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= minRequests
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &Recorder{
		writer:  writer,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan domain.Statistics, cfg.QueueSize),
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		now:     time.Now,
	}
}

// Record logs the flush counters and queues a statistics document. It never
// blocks; records are dropped when the queue is full.
func (r *Recorder) Record(ctx context.Context, duration time.Duration, c domain.Counters, index, typ string) {
	r.logger.DebugContext(ctx, "indexed documents",
		slog.Int64("documents", c.Documents()),
		slog.Int64("insertions", c.Inserted),
		slog.Int64("updates", c.Updated),
		slog.Int64("deletions", c.Deleted),
	)
	if !r.cfg.Enabled {
		return
	}

	st := domain.Statistics{
		Duration: duration,
		Date:     r.now().UTC(),
		Index:    index,
		Type:     typ,
		Counters: c,
	}
	select {
	case r.queue <- st:
	default:
		StatisticsDropped.Inc()
		r.logger.WarnContext(ctx, "statistics queue full, dropping record",
			slog.String("index", index),
			slog.String("type", typ),
		)
	}
}

// Run writes queued records until ctx is done, then writes what is left
// within a single write timeout.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case st := <-r.queue:
			r.write(ctx, st)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case st := <-r.queue:
			r.write(ctx, st)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, st domain.Statistics) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	id := fmt.Sprintf("%s-%s", r.cfg.Type, uuid.New().String())
	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.writer.IndexDocument(ctx, r.cfg.Index, id, st.Document())
	})
	if err == nil {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		StatisticsDropped.Inc()
	}
	r.logger.WarnContext(ctx, "failed to write statistics",
		slog.String("statistics_index", r.cfg.Index),
		slog.String("index", st.Index),
		slog.String("type", st.Type),
		slog.String("error", err.Error()),
	)
}
