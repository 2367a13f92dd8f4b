package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/riverbulk/internal/bulk"
	"github.com/utafrali/riverbulk/internal/config"
	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/event"
	handler "github.com/utafrali/riverbulk/internal/handler/http"
	"github.com/utafrali/riverbulk/internal/status"
	"github.com/utafrali/riverbulk/internal/store"
	"github.com/utafrali/riverbulk/internal/store/elasticsearch"
	"github.com/utafrali/riverbulk/internal/store/memory"
	"github.com/utafrali/riverbulk/internal/store/opensearch"
	"github.com/utafrali/riverbulk/pkg/database"
	"github.com/utafrali/riverbulk/pkg/health"
	pkgkafka "github.com/utafrali/riverbulk/pkg/kafka"
	"github.com/utafrali/riverbulk/pkg/tracing"
)

// ServiceName identifies the process in logs, metrics and traces.
const ServiceName = "riverbulk"

const idempotencyPrefix = "riverbulk:idempotency:"

// App wires together all dependencies and runs the river bulk service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	store          store.Store
	statuses       status.Store
	recorder       *bulk.Recorder
	registry       *bulk.Registry
	consumer       *pkgkafka.Consumer
	dlq            *pkgkafka.DLQProducer
	redis          *redis.Client
	health         *health.Handler
	listener       net.Listener
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// The HTTP listener is bound here so port conflicts fail before Run.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		health:         health.NewHandler(),
		tracerShutdown: tracerShutdown,
	}
	if err := a.build(ctx); err != nil {
		if a.registry != nil {
			_ = a.registry.Close(ctx)
		}
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	st, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	a.store = st
	a.health.RegisterCritical("search", st.Ping)

	// Pipeline status, shared through Redis when configured.
	switch cfg.StatusBackend {
	case config.BackendRedis:
		client, err := database.NewRedisClient(ctx, database.RedisConfig{
			Addr:                 cfg.RedisAddr,
			Password:             cfg.RedisPassword,
			DB:                   cfg.RedisDB,
			SlowCommandThreshold: cfg.RedisSlowThreshold,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		redisStatuses := status.NewRedisStore(client)
		a.statuses = redisStatuses
		a.health.RegisterNonCritical("redis", redisStatuses.Ping)
		logger.Info("connected to redis", slog.String("addr", cfg.RedisAddr))
	default:
		a.statuses = status.NewMemoryStore()
		logger.Info("in-memory status store initialized")
	}

	// Bulk coordination.
	a.recorder = bulk.NewRecorder(st, cfg.Recorder(), logger)
	a.registry = bulk.NewRegistry(cfg.Registry(), st, a.statuses, a.recorder, logger)
	if _, err := a.registry.Get(cfg.RiverIndex, cfg.RiverType); err != nil {
		return fmt.Errorf("create default coordinator: %w", err)
	}
	a.health.RegisterNonCritical("river", a.checkRiverStatus)

	// Kafka change feed.
	if cfg.KafkaTopic != "" {
		var idempotency pkgkafka.IdempotencyStore
		if a.redis != nil {
			idempotency = pkgkafka.NewRedisIdempotencyStore(a.redis, idempotencyPrefix, cfg.IdempotencyTTL)
		} else {
			idempotency = pkgkafka.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
		}

		eventConsumer := event.NewConsumer(a.registry, cfg.RiverIndex, cfg.RiverType, logger)
		a.dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
		a.consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:    cfg.KafkaBrokers,
			GroupID:    cfg.KafkaGroupID,
			Topic:      cfg.KafkaTopic,
			MinBytes:   1,
			MaxBytes:   10e6, // 10 MB
			MaxRetries: cfg.KafkaRetries,
		}, pkgkafka.IdempotentHandler(idempotency, eventConsumer.Handle, logger), logger).WithDeadLetter(a.dlq)

		brokers := cfg.KafkaBrokers
		a.health.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return pkgkafka.PingBrokers(ctx, brokers)
		})
		logger.Info("kafka consumer initialized",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic),
			slog.String("group_id", cfg.KafkaGroupID),
		)
	}

	// HTTP admin server.
	river := handler.NewRiverHandler(cfg.RiverName, a.registry, a.statuses, logger)
	router := handler.NewRouter(handler.RouterConfig{
		ServiceName:       ServiceName,
		PprofAllowedCIDRs: cfg.PprofAllowedCIDRs,
	}, river, a.health, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: flush requests may wait on admission for longer.
		IdleTimeout: 60 * time.Second,
	}
	return nil
}

func newStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendElasticsearch:
		s, err := elasticsearch.New(elasticsearch.Config{
			Addresses: cfg.ElasticsearchURL,
			Username:  cfg.StoreUsername,
			Password:  cfg.StorePassword,
			WritePool: cfg.WritePool,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init elasticsearch store: %w", err)
		}
		logger.Info("elasticsearch store initialized", slog.Any("addresses", cfg.ElasticsearchURL))
		return s, nil
	case config.BackendOpenSearch:
		s, err := opensearch.New(opensearch.Config{
			URL:         cfg.OpenSearchURL,
			Username:    cfg.StoreUsername,
			Password:    cfg.StorePassword,
			Healthcheck: true,
			WritePool:   cfg.WritePool,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init opensearch store: %w", err)
		}
		logger.Info("opensearch store initialized", slog.String("url", cfg.OpenSearchURL))
		return s, nil
	default:
		logger.Info("in-memory store initialized")
		return memory.New(), nil
	}
}

// checkRiverStatus reports a failed import as a degraded dependency.
func (a *App) checkRiverStatus(ctx context.Context) error {
	st, err := a.statuses.Get(ctx, a.cfg.RiverName)
	if err != nil {
		return err
	}
	if st.IsFailed() {
		return fmt.Errorf("river %s is %s", a.cfg.RiverName, st)
	}
	return nil
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() string {
	return a.listener.Addr().String()
}

// Statuses returns the pipeline status store.
func (a *App) Statuses() status.Store {
	return a.statuses
}

// Registry returns the coordinator registry.
func (a *App) Registry() *bulk.Registry {
	return a.registry
}

// Run starts the HTTP server, the statistics recorder and the Kafka consumer,
// blocking until the context is canceled or a component fails. Pending
// operations are flushed before it returns.
func (a *App) Run(ctx context.Context) error {
	river := a.cfg.RiverName

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.store.Ping(pingCtx)
	cancel()
	if err != nil {
		a.setStatus(river, domain.StatusStartFailed)
		a.release(context.Background())
		return fmt.Errorf("search store unreachable: %w", err)
	}
	a.setStatus(river, domain.StatusRunning)

	// The recorder outlives the errgroup so statistics of the final flushes
	// are still written.
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		_ = a.recorder.Run(recorderCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Start(gctx); err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info("starting HTTP server", slog.String("addr", a.Addr()))
		if err := a.httpServer.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	shutdownErr := a.shutdown(stopRecorder, recorderDone)
	a.setStatus(river, domain.StatusStopped)
	a.release(context.Background())

	return errors.Join(runErr, shutdownErr)
}

// shutdown flushes every coordinator and drains the statistics recorder.
func (a *App) shutdown(stopRecorder context.CancelFunc, recorderDone <-chan struct{}) error {
	a.logger.Info("shutting down application...")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.registry.Close(ctx); err != nil {
		a.logger.Error("bulk registry close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	stopRecorder()
	select {
	case <-recorderDone:
	case <-ctx.Done():
		a.logger.Warn("statistics recorder did not drain in time")
	}
	return errors.Join(errs...)
}

// release closes connections. It is safe to call on a partially built App.
func (a *App) release(ctx context.Context) {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("kafka dlq producer close error", slog.String("error", err.Error()))
		}
	}
	if a.listener != nil {
		// Already closed when Serve ran.
		_ = a.listener.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redis = nil
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("application shutdown complete")
}

func (a *App) setStatus(river string, st domain.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.statuses.Set(ctx, river, st); err != nil {
		a.logger.Error("failed to set river status",
			slog.String("river", river),
			slog.String("status", string(st)),
			slog.String("error", err.Error()),
		)
	}
}
