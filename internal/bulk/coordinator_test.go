package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/pkg/validator"
)

func TestCoordinator_FlushOnActionCount(t *testing.T) {
	cfg := testConfig()
	cfg.BulkActions = 2
	h := newHarness(t, cfg, GateConfig{})

	require.NoError(t, h.coord.AddIndexOperation("doc1", doc(1), "", ""))
	require.NoError(t, h.coord.AddIndexOperation("doc2", doc(2), "", ""))

	require.Eventually(t, func() bool {
		c := h.coord.Counters()
		return c.Total == 2 && c.Inserted == 0
	}, time.Second, 5*time.Millisecond)

	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"doc1", "doc2"}, ids(submitted[0]))

	c := h.coord.Counters()
	assert.Zero(t, c.Inserted)
	assert.Zero(t, c.Updated)
	assert.Zero(t, c.Deleted)
	assert.Equal(t, domain.StatusUnknown, h.status(t))
}

func TestCoordinator_SubmitsSequenceInOrder(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})

	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("d%02d", i)
		want = append(want, id)
		if i%3 == 0 {
			require.NoError(t, h.coord.AddDeleteOperation(id, "", ""))
			continue
		}
		require.NoError(t, h.coord.AddIndexOperation(id, doc(i), "", ""))
	}
	require.NoError(t, h.coord.Flush(context.Background()))

	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, want, ids(submitted[0]))
	assert.Equal(t, int64(50), h.coord.Counters().Total)
}

func TestCoordinator_FullReindexTruncatesAndRebuilds(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.SetMapping(customMapping())

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.TriggerFullReindex())
	assert.Equal(t, int64(1), h.coord.PendingRebuilds())
	require.NoError(t, h.coord.AddIndexOperation("b", doc(2), "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	calls := h.store.Calls()
	assert.Equal(t, 1, countCalls(calls, "delete_mapping:idx/doc"))
	assert.Equal(t, 1, countCalls(calls, "put_mapping:idx/doc"))

	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"b"}, ids(submitted[0]))
	assert.Zero(t, h.coord.PendingRebuilds())
	assert.Equal(t, customMapping().Source, h.store.Mapping("idx", "doc").Source)
	assert.Equal(t, domain.StatusUnknown, h.status(t))
}

func TestCoordinator_LastControlWins(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.SetMapping(customMapping())

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.TriggerFullReindex())
	require.NoError(t, h.coord.AddIndexOperation("b", doc(2), "", ""))
	require.NoError(t, h.coord.TriggerFullReindex())
	require.NoError(t, h.coord.AddIndexOperation("c", doc(3), "", ""))
	require.NoError(t, h.coord.AddDeleteOperation("d", "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, 1, countCalls(h.store.Calls(), "delete_mapping"))
	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"c", "d"}, ids(submitted[0]))
	assert.Zero(t, h.coord.PendingRebuilds())
}

func TestCoordinator_ControlOnlyBatchSubmitsNothing(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.SetMapping(customMapping())

	require.NoError(t, h.coord.TriggerFullReindex())
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, 1, countCalls(h.store.Calls(), "put_mapping"))
	assert.Empty(t, h.store.Submitted())
}

func TestCoordinator_DropIndexPayloadIsOrdinaryData(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.SetMapping(customMapping())

	require.NoError(t, h.coord.AddIndexOperation("x", map[string]any{"dropIndex": true}, "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Zero(t, countCalls(h.store.Calls(), "delete_mapping"))
	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"x"}, ids(submitted[0]))
}

func TestCoordinator_PartialFailureKeepsCounters(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.RejectID("bad", "mapper_parsing_exception")

	require.NoError(t, h.coord.AddIndexOperation("good", doc(1), "", ""))
	require.NoError(t, h.coord.AddIndexOperation("bad", doc(2), "", ""))
	require.NoError(t, h.coord.AddDeleteOperation("gone", "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, domain.StatusImportFailed, h.status(t))
	c := h.coord.Counters()
	assert.Equal(t, int64(2), c.Inserted)
	assert.Equal(t, int64(1), c.Deleted)
	assert.Zero(t, c.Total)
}

func TestCoordinator_TransportFailureMarksFailed(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.FailSubmit(errors.New("connection refused"))

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, domain.StatusImportFailed, h.status(t))
	assert.Zero(t, h.coord.Counters().Total)
}

func TestCoordinator_InvalidOperationIsRejected(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	before := testutil.ToFloat64(RejectedOperations.WithLabelValues("idx", "doc"))

	err := h.coord.AddIndexOperation("no-source", nil, "", "")
	var valErr *validator.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields(), "Source")
	assert.Error(t, h.coord.UpdateIndexOperation("no-source", nil, "", ""))
	assert.Error(t, h.coord.AddDeleteOperation("", "", ""))

	assert.Zero(t, h.coord.Pending())
	assert.Equal(t, domain.Counters{}, h.coord.Counters())
	assert.Equal(t, 3.0, testutil.ToFloat64(RejectedOperations.WithLabelValues("idx", "doc"))-before)

	require.NoError(t, h.coord.Flush(context.Background()))
	assert.Equal(t, domain.StatusUnknown, h.status(t))
	assert.Empty(t, h.store.Submitted())
}

func TestCoordinator_InvalidOperationKeepsValidNeighbours(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("d%d", i)
		if i == 3 {
			assert.Error(t, h.coord.AddIndexOperation(id, nil, "", ""))
			continue
		}
		require.NoError(t, h.coord.AddIndexOperation(id, doc(i), "", ""))
	}
	require.NoError(t, h.coord.Flush(context.Background()))

	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"d0", "d1", "d2", "d4", "d5"}, ids(submitted[0]))
	assert.Equal(t, int64(5), h.coord.Counters().Total)
	assert.Equal(t, domain.StatusUnknown, h.status(t))
}

func TestCoordinator_RebuildFailureMarksFailedAndSubmitsRest(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})
	h.store.SetMapping(customMapping())
	h.store.SetAcknowledge(false, true)

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.TriggerFullReindex())
	require.NoError(t, h.coord.AddIndexOperation("b", doc(2), "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, domain.StatusImportFailed, h.status(t))
	assert.Zero(t, h.coord.PendingRebuilds())
	submitted := h.store.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"b"}, ids(submitted[0]))
}

func TestCoordinator_UpdateAndDeleteCounters(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.UpdateIndexOperation("a", doc(2), "", ""))
	require.NoError(t, h.coord.AddDeleteOperation("b", "", ""))

	before := h.coord.Counters()
	assert.Equal(t, domain.Counters{Inserted: 1, Updated: 1, Deleted: 1}, before)
	assert.Equal(t, 3, h.coord.Pending())

	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, domain.Counters{Total: 3}, h.coord.Counters())
	assert.Equal(t, 0, h.coord.Pending())
}

func TestCoordinator_FlushInterval(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, GateConfig{})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))

	require.Eventually(t, func() bool {
		return len(h.store.Submitted()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_BulkSizeTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.BulkSize = 512
	h := newHarness(t, cfg, GateConfig{})

	require.NoError(t, h.coord.AddIndexOperation("small", doc(1), "", ""))
	assert.Equal(t, 1, h.coord.Pending())

	big := map[string]any{"body": string(make([]byte, 1024))}
	require.NoError(t, h.coord.AddIndexOperation("big", big, "", ""))

	require.Eventually(t, func() bool {
		return len(h.store.Submitted()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"small", "big"}, ids(h.store.Submitted()[0]))
}

func TestCoordinator_CloseFlushesPendingAndRejectsNewWork(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.Close(context.Background()))

	require.Len(t, h.store.Submitted(), 1)
	assert.ErrorIs(t, h.coord.AddIndexOperation("b", doc(2), "", ""), ErrClosed)
	assert.ErrorIs(t, h.coord.TriggerFullReindex(), ErrClosed)
	assert.ErrorIs(t, h.coord.Flush(context.Background()), ErrClosed)
	assert.Zero(t, h.coord.PendingRebuilds())
	assert.NoError(t, h.coord.Close(context.Background()))
}

func TestCoordinator_CloseHonoursDeadlineWhileTickerBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, GateConfig{})
	h.store.SetNodeStats(domain.NodeStats{NodeID: "n1", Threads: 1, Active: 1})

	// The first batch occupies the only worker, the second leaves the ticker
	// waiting to hand it over.
	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.Eventually(t, func() bool { return h.coord.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.coord.AddIndexOperation("b", doc(2), "", ""))
	require.Eventually(t, func() bool { return h.coord.Pending() == 0 }, time.Second, time.Millisecond)
	time.Sleep(3 * cfg.FlushInterval)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(ctx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("close did not return after its deadline")
	}
	assert.Empty(t, h.store.Submitted())
	assert.ErrorIs(t, h.coord.AddIndexOperation("c", doc(3), "", ""), ErrClosed)
}

func TestCoordinator_CloseHonoursDeadlineWhileProducerBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.BulkActions = 1
	h := newHarness(t, cfg, GateConfig{})
	h.store.SetNodeStats(domain.NodeStats{NodeID: "n1", Threads: 1, Active: 1})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	added := make(chan error, 1)
	go func() { added <- h.coord.AddIndexOperation("b", doc(2), "", "") }()
	time.Sleep(20 * time.Millisecond)

	select {
	case <-added:
		t.Fatal("producer must wait while the worker is busy")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(ctx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("close did not return after its deadline")
	}
	select {
	case err := <-added:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released")
	}
	assert.Empty(t, h.store.Submitted())
}

func TestCoordinator_CloseFlushesReleasedBatchInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BulkActions = 1
	h := newHarness(t, cfg, GateConfig{})
	var free atomic.Bool
	h.store.SetThreadPoolFunc(func(context.Context) ([]domain.NodeStats, error) {
		if free.Load() {
			return []domain.NodeStats{{NodeID: "n1", Threads: 1, Active: 0}}, nil
		}
		return []domain.NodeStats{{NodeID: "n1", Threads: 1, Active: 1}}, nil
	})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	added := make(chan error, 1)
	go func() { added <- h.coord.AddIndexOperation("b", doc(2), "", "") }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(context.Background()) }()
	require.NoError(t, <-added)

	free.Store(true)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not finish after capacity freed up")
	}

	submitted := h.store.Submitted()
	require.Len(t, submitted, 2)
	assert.Equal(t, []string{"a"}, ids(submitted[0]))
	assert.Equal(t, []string{"b"}, ids(submitted[1]))
}

func TestCoordinator_AdmissionBlocksFlushUntilCapacity(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{PollInterval: 2 * time.Millisecond})
	var free atomic.Bool
	h.store.SetThreadPoolFunc(func(context.Context) ([]domain.NodeStats, error) {
		if free.Load() {
			return []domain.NodeStats{{NodeID: "n1", Threads: 4, Active: 2}}, nil
		}
		return []domain.NodeStats{{NodeID: "n1", Threads: 4, Active: 4}}, nil
	})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	done := make(chan error, 1)
	go func() { done <- h.coord.Flush(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.store.Submitted(), "flush must wait for capacity")

	// Producers are not blocked by a waiting flush.
	require.NoError(t, h.coord.AddIndexOperation("b", doc(2), "", ""))

	free.Store(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush did not resume after capacity freed up")
	}
	require.Len(t, h.store.Submitted(), 1)
	assert.Equal(t, []string{"a"}, ids(h.store.Submitted()[0]))
}

func TestCoordinator_AdmissionTimeoutMarksFailed(t *testing.T) {
	h := newHarness(t, testConfig(), GateConfig{PollInterval: 2 * time.Millisecond, MaxWait: 20 * time.Millisecond})
	h.store.SetNodeStats(domain.NodeStats{NodeID: "n1", Threads: 1, Active: 1})

	require.NoError(t, h.coord.AddIndexOperation("a", doc(1), "", ""))
	require.NoError(t, h.coord.Flush(context.Background()))

	assert.Equal(t, domain.StatusImportFailed, h.status(t))
	assert.Empty(t, h.store.Submitted())
}

func TestCoordinator_ConcurrentProducers(t *testing.T) {
	cfg := testConfig()
	cfg.BulkActions = 25
	cfg.ConcurrentRequests = 4
	h := newHarness(t, cfg, GateConfig{})

	const producers, perProducer = 8, 100
	done := make(chan struct{})
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, h.coord.AddIndexOperation(fmt.Sprintf("p%d-%d", p, i), doc(i), "", ""))
			}
		}(p)
	}
	for p := 0; p < producers; p++ {
		<-done
	}
	require.NoError(t, h.coord.Close(context.Background()))

	seen := make(map[string]bool)
	for _, b := range h.store.Submitted() {
		for _, op := range b {
			require.False(t, seen[op.ID], "operation %s submitted twice", op.ID)
			seen[op.ID] = true
		}
	}
	assert.Len(t, seen, producers*perProducer)
	assert.Equal(t, int64(producers*perProducer), h.coord.Counters().Total)
}
