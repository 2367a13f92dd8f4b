package bulk

import (
	"sync"

	"github.com/utafrali/riverbulk/internal/domain"
)

// Queue is the ordered buffer of pending operations of one coordinator.
type Queue struct {
	mu    sync.Mutex
	ops   domain.Batch
	bytes int
}

// Append adds op at the tail and returns the pending action count and
// estimated request size.
func (q *Queue) Append(op domain.Operation) (count, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = append(q.ops, op)
	q.bytes += op.EstimatedSize()
	return len(q.ops), q.bytes
}

// DrainAll removes and returns every pending operation, leaving the queue empty.
func (q *Queue) DrainAll() domain.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.ops
	q.ops = nil
	q.bytes = 0
	return batch
}

// Prepend puts batch back at the head, ahead of anything appended since it
// was drained.
func (q *Queue) Prepend(batch domain.Batch) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range batch {
		q.bytes += op.EstimatedSize()
	}
	q.ops = append(batch[:len(batch):len(batch)], q.ops...)
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
