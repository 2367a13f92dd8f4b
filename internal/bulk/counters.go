package bulk

import (
	"sync"
	"sync/atomic"

	"github.com/utafrali/riverbulk/internal/domain"
)

// counters tracks submitted documents per flush window plus the lifetime
// total of committed items. Increments are lock-free; resets are serialized
// so that a flush never observes another flush's reset half done.
type counters struct {
	inserted atomic.Int64
	updated  atomic.Int64
	deleted  atomic.Int64
	total    atomic.Int64

	resetMu sync.Mutex
}

func (c *counters) snapshot() domain.Counters {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	return domain.Counters{
		Inserted: c.inserted.Load(),
		Updated:  c.updated.Load(),
		Deleted:  c.deleted.Load(),
		Total:    c.total.Load(),
	}
}

// snapshotAndReset zeroes the per-flush counters and returns their values.
// Every increment lands in exactly one snapshot.
func (c *counters) snapshotAndReset() domain.Counters {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	return domain.Counters{
		Inserted: c.inserted.Swap(0),
		Updated:  c.updated.Swap(0),
		Deleted:  c.deleted.Swap(0),
		Total:    c.total.Load(),
	}
}
