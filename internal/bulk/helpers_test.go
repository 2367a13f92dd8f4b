package bulk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/status"
	"github.com/utafrali/riverbulk/internal/store/memory"
)

// testLogger returns a discard logger suitable for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		River:              "test-river",
		Index:              "idx",
		Type:               "doc",
		BulkActions:        1000,
		ConcurrentRequests: 1,
	}
}

type harness struct {
	store    *memory.Store
	statuses *status.MemoryStore
	coord    *Coordinator
}

func newHarness(t *testing.T, cfg Config, gateCfg GateConfig) *harness {
	t.Helper()

	st := memory.New()
	statuses := status.NewMemoryStore()
	if gateCfg.PollInterval == 0 {
		gateCfg.PollInterval = time.Millisecond
	}
	c := NewCoordinator(cfg, Deps{
		Store:     st,
		Gate:      NewGate(st, gateCfg, testLogger()),
		Rebuilder: NewRebuilder(st, &sync.Mutex{}, testLogger()),
		Recorder:  NewRecorder(st, RecorderConfig{}, testLogger()),
		Status:    statuses,
		Logger:    testLogger(),
	})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	return &harness{store: st, statuses: statuses, coord: c}
}

func (h *harness) status(t *testing.T) domain.Status {
	t.Helper()
	st, err := h.statuses.Get(context.Background(), "test-river")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	return st
}

func doc(n int) map[string]any {
	return map[string]any{"n": n}
}

func ids(b domain.Batch) []string {
	out := make([]string, 0, len(b))
	for _, op := range b {
		out = append(out, op.ID)
	}
	return out
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
