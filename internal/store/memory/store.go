// Package memory provides an in-process Store used for local development and
// tests. It keeps documents and mappings in maps and records every remote
// call so callers can assert on ordering.
package memory

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/store"
)

// ThreadPoolFunc produces the write pool snapshot for a single stats call.
type ThreadPoolFunc func(ctx context.Context) ([]domain.NodeStats, error)

// Store is an in-memory implementation of store.Store.
// Thread-safe via sync.Mutex.
type Store struct {
	mu        sync.Mutex
	docs      map[string]map[string]map[string]any
	mappings  map[string]*domain.Mapping
	calls     []string
	submitted []domain.Batch

	threadPool ThreadPoolFunc
	submitErr  error
	rejected   map[string]string
	deleteAck  bool
	putAck     bool
	latency    time.Duration
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store that acknowledges every request and
// reports no nodes.
func New() *Store {
	return &Store{
		docs:      make(map[string]map[string]map[string]any),
		mappings:  make(map[string]*domain.Mapping),
		rejected:  make(map[string]string),
		deleteAck: true,
		putAck:    true,
	}
}

func mappingKey(index, typ string) string {
	return index + "/" + typ
}

// record appends to the call log and applies the configured latency.
func (s *Store) record(ctx context.Context, call string) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	latency := s.latency
	s.mu.Unlock()

	if latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(latency):
		return nil
	}
}

// SetLatency delays every remote call by d.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetNodeStats makes ThreadPoolStats return a fixed snapshot.
func (s *Store) SetNodeStats(nodes ...domain.NodeStats) {
	snapshot := append([]domain.NodeStats(nil), nodes...)
	s.SetThreadPoolFunc(func(context.Context) ([]domain.NodeStats, error) {
		return snapshot, nil
	})
}

// SetThreadPoolFunc replaces the thread pool snapshot source.
func (s *Store) SetThreadPoolFunc(fn ThreadPoolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadPool = fn
}

// FailSubmit makes every following SubmitBatch return err. A nil err restores delivery.
func (s *Store) FailSubmit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// RejectID makes every bulk item for id fail with reason.
func (s *Store) RejectID(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[id] = reason
}

// SetAcknowledge controls whether mapping deletion and creation are acknowledged.
func (s *Store) SetAcknowledge(deleteAck, putAck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteAck = deleteAck
	s.putAck = putAck
}

// SetMapping installs a mapping for the index/type pair.
func (s *Store) SetMapping(m *domain.Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mappingKey(m.Index, m.Type)] = m
}

// Mapping returns the current mapping for the index/type pair.
func (s *Store) Mapping(index, typ string) *domain.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[mappingKey(index, typ)]
}

// Calls returns a copy of the call log.
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Submitted returns every batch delivered to SubmitBatch, in order.
func (s *Store) Submitted() []domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Batch(nil), s.submitted...)
}

// Documents returns a copy of the documents stored in index.
func (s *Store) Documents(index string) map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.docs[index])
}

// SubmitBatch applies the batch to the in-memory documents.
func (s *Store) SubmitBatch(ctx context.Context, index, typ string, batch domain.Batch) (*store.BulkResult, error) {
	start := time.Now()
	if err := s.record(ctx, "submit:"+mappingKey(index, typ)); err != nil {
		return nil, err
	}
	if err := store.ValidateBatch(batch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitErr != nil {
		return nil, s.submitErr
	}
	s.submitted = append(s.submitted, append(domain.Batch(nil), batch...))

	docs, ok := s.docs[index]
	if !ok {
		docs = make(map[string]map[string]any)
		s.docs[index] = docs
	}

	result := &store.BulkResult{Items: make([]store.ItemResult, 0, len(batch))}
	for _, op := range batch {
		item := store.ItemResult{ID: op.ID, Action: op.Kind.String()}
		if reason, bad := s.rejected[op.ID]; bad {
			item.Status = http.StatusBadRequest
			item.Error = reason
			result.Items = append(result.Items, item)
			continue
		}
		_, exists := docs[op.ID]
		switch op.Kind {
		case domain.OpIndex:
			docs[op.ID] = maps.Clone(op.Source)
			item.Status = http.StatusCreated
			if exists {
				item.Status = http.StatusOK
			}
		case domain.OpDelete:
			delete(docs, op.ID)
			item.Status = http.StatusOK
			if !exists {
				item.Status = http.StatusNotFound
			}
		}
		result.Items = append(result.Items, item)
	}
	result.TookMillis = time.Since(start).Milliseconds()
	return result, nil
}

// ThreadPoolStats returns the configured snapshot, or no nodes.
func (s *Store) ThreadPoolStats(ctx context.Context) ([]domain.NodeStats, error) {
	if err := s.record(ctx, "thread_pool_stats"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	fn := s.threadPool
	s.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

// Refresh only records the call.
func (s *Store) Refresh(ctx context.Context, index string) error {
	return s.record(ctx, "refresh:"+index)
}

// GetMapping returns a copy of the stored mapping or nil.
func (s *Store) GetMapping(ctx context.Context, index, typ string) (*domain.Mapping, error) {
	if err := s.record(ctx, "get_mapping:"+mappingKey(index, typ)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[mappingKey(index, typ)]
	if !ok {
		return nil, nil
	}
	cp := *m
	cp.Source = maps.Clone(m.Source)
	cp.Settings = maps.Clone(m.Settings)
	return &cp, nil
}

// DeleteMapping drops the mapping and the documents of the index.
func (s *Store) DeleteMapping(ctx context.Context, index, typ string) (bool, error) {
	if err := s.record(ctx, "delete_mapping:"+mappingKey(index, typ)); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.deleteAck {
		return false, nil
	}
	delete(s.mappings, mappingKey(index, typ))
	delete(s.docs, index)
	return true, nil
}

// PutMapping stores the mapping under the index/type pair.
func (s *Store) PutMapping(ctx context.Context, index, typ string, mapping *domain.Mapping) (bool, error) {
	if err := s.record(ctx, "put_mapping:"+mappingKey(index, typ)); err != nil {
		return false, err
	}
	if mapping == nil {
		return false, fmt.Errorf("put mapping %s: nil mapping", mappingKey(index, typ))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.putAck {
		return false, nil
	}
	cp := *mapping
	cp.Index, cp.Type = index, typ
	s.mappings[mappingKey(index, typ)] = &cp
	return true, nil
}

// IndexDocument stores a single document. Non-map documents are kept under
// the "value" key.
func (s *Store) IndexDocument(ctx context.Context, index, id string, doc any) error {
	if err := s.record(ctx, "index_document:"+index); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.docs[index]
	if !ok {
		docs = make(map[string]map[string]any)
		s.docs[index] = docs
	}
	if m, ok := doc.(map[string]any); ok {
		docs[id] = m
	} else {
		docs[id] = map[string]any{"value": doc}
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
