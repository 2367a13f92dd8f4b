// Package store defines the downstream search store consumed by the bulk
// coordinator. Implementations live in the subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/pkg/validator"
)

// DefaultWritePool is the thread pool that executes bulk requests on modern
// Elasticsearch and OpenSearch nodes.
const DefaultWritePool = "write"

// ErrControlOperation is returned when a control operation reaches a store.
var ErrControlOperation = errors.New("control operation cannot be submitted")

// Store is the set of remote calls the coordinator needs from the search store.
type Store interface {
	// SubmitBatch sends the batch as a single bulk request. A non-nil error
	// means the request could not be delivered; per-item failures are
	// reported in the result.
	SubmitBatch(ctx context.Context, index, typ string, batch domain.Batch) (*BulkResult, error)

	// ThreadPoolStats returns the write pool snapshot of every node.
	ThreadPoolStats(ctx context.Context) ([]domain.NodeStats, error)

	// Refresh makes prior writes to the index visible.
	Refresh(ctx context.Context, index string) error

	// GetMapping returns the current mapping for the index/type pair, or nil
	// when no mapping exists.
	GetMapping(ctx context.Context, index, typ string) (*domain.Mapping, error)

	// DeleteMapping drops the mapping and reports whether the store acknowledged it.
	DeleteMapping(ctx context.Context, index, typ string) (bool, error)

	// PutMapping recreates the mapping and reports whether the store acknowledged it.
	PutMapping(ctx context.Context, index, typ string, mapping *domain.Mapping) (bool, error)

	// IndexDocument writes a single document.
	IndexDocument(ctx context.Context, index, id string, doc any) error

	// Ping checks whether the store is reachable.
	Ping(ctx context.Context) error
}

// ItemResult is the outcome of a single bulk item.
type ItemResult struct {
	ID     string
	Action string
	Status int
	Error  string
}

// Failed reports whether the item was rejected. A delete of a missing
// document reports 404 without an error and is not a failure.
func (r ItemResult) Failed() bool {
	return r.Error != ""
}

// BulkResult is the delivered response of a bulk request.
type BulkResult struct {
	TookMillis int64
	Items      []ItemResult
}

// HasFailures reports whether any item was rejected.
func (r *BulkResult) HasFailures() bool {
	for _, item := range r.Items {
		if item.Failed() {
			return true
		}
	}
	return false
}

// Failures returns the rejected items.
func (r *BulkResult) Failures() []ItemResult {
	var failed []ItemResult
	for _, item := range r.Items {
		if item.Failed() {
			failed = append(failed, item)
		}
	}
	return failed
}

// FailureMessage summarizes the rejected items.
func (r *BulkResult) FailureMessage() string {
	var msgs []string
	for _, item := range r.Failures() {
		msgs = append(msgs, fmt.Sprintf("[%s] id=%s status=%d: %s", item.Action, item.ID, item.Status, item.Error))
	}
	return strings.Join(msgs, "; ")
}

// ValidateBatch checks every operation of the batch before a request is built.
// It returns a *validator.ValidationError for malformed operations.
func ValidateBatch(batch domain.Batch) error {
	if len(batch) == 0 {
		return &validator.ValidationError{Message: "no requests added"}
	}
	for i := range batch {
		if batch[i].IsControl() {
			return fmt.Errorf("item %d: %w", i, ErrControlOperation)
		}
		if err := validator.Validate(batch[i]); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// portableSettingKeys are the index settings a recreated index keeps. Other
// settings such as uuid or creation_date are assigned by the cluster.
var portableSettingKeys = []string{"analysis", "number_of_shards", "number_of_replicas", "similarity"}

// PortableSettings extracts the user-defined settings of an index from its
// "index" settings block. It returns nil when none are set.
func PortableSettings(index map[string]any) map[string]any {
	var out map[string]any
	for _, key := range portableSettingKeys {
		v, ok := index[key]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(portableSettingKeys))
		}
		out[key] = v
	}
	return out
}
