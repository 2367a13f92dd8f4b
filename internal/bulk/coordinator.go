// Package bulk batches index and delete operations for a search store. A
// Coordinator owns the queue of one index/type pair, flushes it on count,
// size or time, waits for store capacity before each flush and handles the
// in-band drop-and-recreate mapping control operation.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/status"
	"github.com/utafrali/riverbulk/internal/store"
	"github.com/utafrali/riverbulk/pkg/logger"
	"github.com/utafrali/riverbulk/pkg/tracing"
	"github.com/utafrali/riverbulk/pkg/validator"
)

// ErrClosed is returned when operations are added to a closed coordinator.
var ErrClosed = errors.New("bulk coordinator closed")

var tracer = tracing.Tracer("github.com/utafrali/riverbulk/internal/bulk")

// Config holds the batching settings of one coordinator.
type Config struct {
	River string
	Index string
	Type  string

	// BulkActions flushes once this many operations are pending.
	BulkActions int
	// BulkSize flushes once the estimated request size reaches this many
	// bytes. Zero disables the size trigger.
	BulkSize int
	// FlushInterval flushes pending operations periodically. Zero disables
	// the timer.
	FlushInterval time.Duration
	// ConcurrentRequests is the number of flushes processed in parallel.
	ConcurrentRequests int
}

// Admission blocks a flush until the store can take more bulk work.
type Admission interface {
	AwaitCapacity(ctx context.Context) error
}

// MappingRebuilder drops and recreates the mapping of an index/type pair.
type MappingRebuilder interface {
	DropAndRecreateMapping(ctx context.Context, index, typ string) error
}

// Deps are the collaborators of a coordinator.
type Deps struct {
	Store     store.Store
	Gate      Admission
	Rebuilder MappingRebuilder
	Recorder  StatisticsRecorder
	Status    status.Store
	Logger    *slog.Logger
}

type flushRequest struct {
	batch domain.Batch
	done  chan struct{}
}

// Coordinator batches operations for one index/type pair.
type Coordinator struct {
	cfg       Config
	store     store.Store
	gate      Admission
	rebuilder MappingRebuilder
	recorder  StatisticsRecorder
	status    status.Store
	logger    *slog.Logger

	queue           Queue
	counters        counters
	pendingRebuilds atomic.Int64
	executions      atomic.Int64

	// lifecycle guards closed and sends on requests.
	lifecycle sync.RWMutex
	closed    bool
	// closing is closed before Close takes lifecycle, releasing senders
	// blocked in dispatch.
	closing   chan struct{}
	closeOnce sync.Once
	requests  chan flushRequest
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopTick  chan struct{}
}

// NewCoordinator creates a coordinator and starts its flush workers.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.BulkActions <= 0 {
		cfg.BulkActions = 1000
	}
	if cfg.ConcurrentRequests <= 0 {
		cfg.ConcurrentRequests = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		store:     deps.Store,
		gate:      deps.Gate,
		rebuilder: deps.Rebuilder,
		recorder:  deps.Recorder,
		status:    deps.Status,
		logger: deps.Logger.With(
			slog.String("river", cfg.River),
			slog.String("index", cfg.Index),
			slog.String("type", cfg.Type),
		),
		requests: make(chan flushRequest),
		closing:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		stopTick: make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.ConcurrentRequests; i++ {
		g.Go(func() error {
			c.work(gctx)
			return nil
		})
	}
	if cfg.FlushInterval > 0 {
		g.Go(func() error {
			c.tick(gctx)
			return nil
		})
	}
	c.group = g
	return c
}

// AddIndexOperation queues an index request for a new document.
func (c *Coordinator) AddIndexOperation(id string, source map[string]any, routing, parent string) error {
	return c.addCounted(domain.NewIndexOperation(id, source, routing, parent), &c.counters.inserted)
}

// UpdateIndexOperation queues an index request that replaces an existing document.
func (c *Coordinator) UpdateIndexOperation(id string, source map[string]any, routing, parent string) error {
	return c.addCounted(domain.NewIndexOperation(id, source, routing, parent), &c.counters.updated)
}

// AddDeleteOperation queues a delete request.
func (c *Coordinator) AddDeleteOperation(id, routing, parent string) error {
	c.logger.Log(context.Background(), logger.LevelTrace, "delete bulk request",
		slog.String("id", id),
		slog.String("routing", routing),
		slog.String("parent", parent),
	)
	return c.addCounted(domain.NewDeleteOperation(id, routing, parent), &c.counters.deleted)
}

// addCounted validates op and increments counter before queuing so that the
// flush carrying op always sees it. A malformed operation is rejected on its
// own and never reaches a batch.
func (c *Coordinator) addCounted(op domain.Operation, counter *atomic.Int64) error {
	if err := validator.Validate(op); err != nil {
		RejectedOperations.WithLabelValues(c.cfg.Index, c.cfg.Type).Inc()
		c.logger.Log(context.Background(), logger.LevelTrace, "ignoring invalid operation",
			slog.String("id", op.ID),
			slog.String("action", op.Kind.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s operation %q: %w", op.Kind, op.ID, err)
	}
	counter.Add(1)
	if err := c.add(op); err != nil {
		counter.Add(-1)
		return err
	}
	return nil
}

// TriggerFullReindex queues a control operation. The batch that carries it
// drops everything queued before it and rebuilds the mapping before the rest
// is submitted.
func (c *Coordinator) TriggerFullReindex() error {
	c.pendingRebuilds.Add(1)
	if err := c.add(domain.NewControlOperation(domain.ControlDropAndRecreateMapping)); err != nil {
		c.pendingRebuilds.Add(-1)
		return err
	}
	return nil
}

// Counters returns the current counters.
func (c *Coordinator) Counters() domain.Counters {
	return c.counters.snapshot()
}

// PendingRebuilds returns the number of queued control operations not yet processed.
func (c *Coordinator) PendingRebuilds() int64 {
	return c.pendingRebuilds.Load()
}

// Pending returns the number of queued operations not yet drained.
func (c *Coordinator) Pending() int {
	return c.queue.Len()
}

// Config returns the coordinator settings.
func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) add(op domain.Operation) error {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()

	if c.closed {
		return ErrClosed
	}
	count, size := c.queue.Append(op)
	if count >= c.cfg.BulkActions || (c.cfg.BulkSize > 0 && size >= c.cfg.BulkSize) {
		c.dispatch(c.queue.DrainAll(), nil)
	}
	return nil
}

// dispatch hands a drained batch to a worker. Callers hold lifecycle.RLock,
// so once Close has started the batch goes back to the head of the queue
// for Close to drain instead of waiting for a worker. It reports whether a
// worker took the batch.
func (c *Coordinator) dispatch(batch domain.Batch, done chan struct{}) bool {
	if len(batch) == 0 {
		if done != nil {
			close(done)
		}
		return true
	}
	select {
	case c.requests <- flushRequest{batch: batch, done: done}:
		return true
	case <-c.closing:
		c.queue.Prepend(batch)
		return false
	}
}

// send hands the final batch to a worker during Close.
func (c *Coordinator) send(batch domain.Batch) {
	if len(batch) == 0 {
		return
	}
	select {
	case c.requests <- flushRequest{batch: batch}:
	case <-c.ctx.Done():
		c.logger.Warn("coordinator stopped, dropping batch", slog.Int("items", len(batch)))
	}
}

// Flush drains the queue and waits until the resulting batch is processed.
func (c *Coordinator) Flush(ctx context.Context) error {
	done := make(chan struct{})

	c.lifecycle.RLock()
	if c.closed {
		c.lifecycle.RUnlock()
		return ErrClosed
	}
	taken := c.dispatch(c.queue.DrainAll(), done)
	c.lifecycle.RUnlock()
	if !taken {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting operations, flushes what is pending and waits for
// in-flight flushes. When ctx expires first, in-flight flushes are cancelled
// and the operations not yet submitted are dropped.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopTick)
	remaining := c.queue.DrainAll()
	c.lifecycle.Unlock()

	waitCh := make(chan error, 1)
	go func() {
		c.send(remaining)
		close(c.requests)
		waitCh <- c.group.Wait()
	}()

	select {
	case err := <-waitCh:
		c.cancel()
		return err
	case <-ctx.Done():
		c.cancel()
		<-waitCh
		return fmt.Errorf("close coordinator %s/%s: %w", c.cfg.Index, c.cfg.Type, ctx.Err())
	}
}

func (c *Coordinator) work(ctx context.Context) {
	for req := range c.requests {
		c.process(ctx, req.batch)
		if req.done != nil {
			close(req.done)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopTick:
			return
		case <-ticker.C:
			c.lifecycle.RLock()
			if !c.closed {
				c.dispatch(c.queue.DrainAll(), nil)
			}
			c.lifecycle.RUnlock()
		}
	}
}

// process runs one flush: admission, control handling, submission and
// outcome bookkeeping. Failures only surface through the pipeline status.
func (c *Coordinator) process(ctx context.Context, batch domain.Batch) {
	start := time.Now()
	execution := c.executions.Add(1)
	log := c.logger.With(slog.Int64("execution_id", execution))

	ctx, span := tracer.Start(ctx, "bulk.flush", trace.WithAttributes(
		attribute.String("riverbulk.index", c.cfg.Index),
		attribute.String("riverbulk.type", c.cfg.Type),
		attribute.Int("riverbulk.items", len(batch)),
	))
	defer span.End()

	outcome := outcomeSuccess
	defer func() {
		FlushesTotal.WithLabelValues(c.cfg.Index, c.cfg.Type, outcome).Inc()
		FlushDuration.WithLabelValues(c.cfg.Index, c.cfg.Type).Observe(time.Since(start).Seconds())
	}()

	log.Log(ctx, logger.LevelTrace, "before bulk", slog.Int("items", len(batch)))

	if err := c.gate.AwaitCapacity(ctx); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			outcome = outcomeAbandoned
			log.WarnContext(ctx, "flush abandoned while waiting for capacity",
				slog.Int("items", len(batch)),
			)
			return
		}
		outcome = outcomeFailed
		span.SetStatus(codes.Error, "admission")
		log.ErrorContext(ctx, "store never reported bulk capacity",
			slog.Int("items", len(batch)),
			slog.String("error", err.Error()),
		)
		c.fail(ctx)
		return
	}

	if n := batch.CountControl(); n > 0 {
		batch, _ = batch.TruncateThroughLastControl()
		c.pendingRebuilds.Add(-int64(n))
		log.InfoContext(ctx, "about to drop and recreate mapping",
			slog.Int("control_operations", n),
			slog.Int("remaining_items", len(batch)),
		)
		if err := c.rebuilder.DropAndRecreateMapping(ctx, c.cfg.Index, c.cfg.Type); err != nil {
			span.RecordError(err)
			log.ErrorContext(ctx, "drop and recreate mapping failed", slog.String("error", err.Error()))
			c.fail(ctx)
		}
		c.counters.snapshotAndReset()
	}

	if len(batch) == 0 {
		outcome = outcomeEmpty
		return
	}

	result, err := c.store.SubmitBatch(ctx, c.cfg.Index, c.cfg.Type, batch)
	if err != nil {
		var valErr *validator.ValidationError
		if errors.As(err, &valErr) {
			outcome = outcomeIgnored
			log.Log(ctx, logger.LevelTrace, "ignoring bulk validation error", slog.String("error", err.Error()))
			return
		}
		outcome = outcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		log.ErrorContext(ctx, "bulk request failed",
			slog.Int("items", len(batch)),
			slog.String("error", err.Error()),
		)
		c.fail(ctx)
		return
	}

	if result.HasFailures() {
		outcome = outcomeFailed
		span.SetStatus(codes.Error, "item failures")
		log.ErrorContext(ctx, "bulk request has failures",
			slog.Int("failed_items", len(result.Failures())),
			slog.String("failures", result.FailureMessage()),
		)
		c.fail(ctx)
		return
	}

	items := int64(len(result.Items))
	c.counters.total.Add(items)
	ItemsCommitted.WithLabelValues(c.cfg.Index, c.cfg.Type).Add(float64(items))
	snap := c.counters.snapshotAndReset()
	c.recorder.Record(ctx, time.Duration(result.TookMillis)*time.Millisecond, snap, c.cfg.Index, c.cfg.Type)

	log.Log(ctx, logger.LevelTrace, "after bulk",
		slog.Int64("items", items),
		slog.Int64("took_ms", result.TookMillis),
		slog.Int64("total", snap.Total),
	)
}

// fail marks the river as failed. The coordinator itself keeps running.
func (c *Coordinator) fail(ctx context.Context) {
	if err := c.status.Set(context.WithoutCancel(ctx), c.cfg.River, domain.StatusImportFailed); err != nil {
		c.logger.ErrorContext(ctx, "failed to set river status",
			slog.String("status", string(domain.StatusImportFailed)),
			slog.String("error", err.Error()),
		)
	}
}
