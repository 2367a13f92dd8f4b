package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/riverbulk/internal/domain"
)

// DefaultPollInterval is the pause between two thread pool checks.
const DefaultPollInterval = 500 * time.Millisecond

// ErrAdmissionTimeout is returned when the store stayed saturated for longer
// than the configured wait budget.
var ErrAdmissionTimeout = errors.New("admission wait budget exhausted")

// ThreadPoolSource reports the write thread pool of every store node.
type ThreadPoolSource interface {
	ThreadPoolStats(ctx context.Context) ([]domain.NodeStats, error)
}

// GateConfig tunes the admission gate.
type GateConfig struct {
	// PollInterval is the pause between checks. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// MaxWait bounds a single wait. Zero waits until the context is done.
	MaxWait time.Duration
}

// Gate blocks flushes while every store node reports a saturated write pool.
type Gate struct {
	source ThreadPoolSource
	cfg    GateConfig
	logger *slog.Logger
}

// NewGate creates an admission gate polling source.
func NewGate(source ThreadPoolSource, cfg GateConfig, logger *slog.Logger) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Gate{source: source, cfg: cfg, logger: logger}
}

// AwaitCapacity returns once any node has an idle write worker, or no nodes
// are reported. It returns ctx.Err() when ctx is done and ErrAdmissionTimeout
// when MaxWait elapses first. Failures to fetch the thread pool are logged
// and retried.
func (g *Gate) AwaitCapacity(ctx context.Context) error {
	start := time.Now()
	defer func() { AdmissionWait.Observe(time.Since(start).Seconds()) }()

	waitCtx := ctx
	if g.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.MaxWait)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		ok, err := g.available(waitCtx)
		switch {
		case err != nil && waitCtx.Err() == nil:
			g.logger.WarnContext(ctx, "thread pool check failed, will retry",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
		case err == nil && ok:
			return nil
		case err == nil:
			g.logger.DebugContext(ctx, "waiting for bulk capacity",
				slog.Int("attempt", attempt),
				slog.Duration("waited", time.Since(start)),
			)
		}

		timer := time.NewTimer(g.cfg.PollInterval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %s", ErrAdmissionTimeout, time.Since(start).Round(time.Millisecond))
		case <-timer.C:
		}
	}
}

// available fetches a fresh snapshot. It is never cached.
func (g *Gate) available(ctx context.Context) (bool, error) {
	nodes, err := g.source.ThreadPoolStats(ctx)
	if err != nil {
		return false, err
	}
	if len(nodes) == 0 {
		return true, nil
	}
	for _, n := range nodes {
		if n.Available() {
			return true, nil
		}
	}
	for _, n := range nodes {
		g.logger.DebugContext(ctx, "write pool saturated",
			slog.String("node", n.NodeID),
			slog.Int("threads", n.Threads),
			slog.Int("active", n.Active),
		)
	}
	return false, nil
}
