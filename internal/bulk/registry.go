package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/utafrali/riverbulk/internal/status"
	"github.com/utafrali/riverbulk/internal/store"
)

// Target identifies the index/type pair served by a coordinator.
type Target struct {
	Index string `json:"index"`
	Type  string `json:"type"`
}

func (t Target) String() string {
	return t.Index + "/" + t.Type
}

// RegistryConfig holds the settings shared by every coordinator of a river.
type RegistryConfig struct {
	River string
	Bulk  Config
	Gate  GateConfig
}

// Registry owns the coordinators of a process and the single lock that
// serializes mapping rebuilds across all of them.
type Registry struct {
	cfg      RegistryConfig
	store    store.Store
	status   status.Store
	recorder StatisticsRecorder
	logger   *slog.Logger

	rebuildLock sync.Mutex

	mu           sync.Mutex
	closed       bool
	coordinators map[Target]*Coordinator
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, st store.Store, statuses status.Store, recorder StatisticsRecorder, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:          cfg,
		store:        st,
		status:       statuses,
		recorder:     recorder,
		logger:       logger,
		coordinators: make(map[Target]*Coordinator),
	}
}

// RebuildLock returns the process-wide mapping rebuild lock.
func (r *Registry) RebuildLock() sync.Locker {
	return &r.rebuildLock
}

// Get returns the coordinator of the index/type pair, creating it on first use.
func (r *Registry) Get(index, typ string) (*Coordinator, error) {
	t := Target{Index: index, Type: typ}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.coordinators[t]; ok {
		return c, nil
	}

	cfg := r.cfg.Bulk
	cfg.River = r.cfg.River
	cfg.Index = index
	cfg.Type = typ

	c := NewCoordinator(cfg, Deps{
		Store:     r.store,
		Gate:      NewGate(r.store, r.cfg.Gate, r.logger),
		Rebuilder: NewRebuilder(r.store, &r.rebuildLock, r.logger),
		Recorder:  r.recorder,
		Status:    r.status,
		Logger:    r.logger,
	})
	r.coordinators[t] = c

	r.logger.Info("bulk coordinator started",
		slog.String("index", index),
		slog.String("type", typ),
		slog.Int("bulk_actions", cfg.BulkActions),
		slog.Int("bulk_size", cfg.BulkSize),
		slog.Duration("flush_interval", cfg.FlushInterval),
		slog.Int("concurrent_requests", cfg.ConcurrentRequests),
	)
	return c, nil
}

// Lookup returns an existing coordinator without creating one.
func (r *Registry) Lookup(index, typ string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coordinators[Target{Index: index, Type: typ}]
	return c, ok
}

// Targets lists the index/type pairs with a coordinator, sorted.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]Target, 0, len(r.coordinators))
	for t := range r.coordinators {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].String() < targets[j].String()
	})
	return targets
}

// Close closes every coordinator, flushing pending operations.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	coordinators := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		coordinators = append(coordinators, c)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range coordinators {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errors.Join(errs...)
}
