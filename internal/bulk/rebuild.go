package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/utafrali/riverbulk/internal/domain"
)

var (
	// ErrDeleteNotAcknowledged is returned when the store did not acknowledge
	// the mapping deletion. The mapping is not recreated.
	ErrDeleteNotAcknowledged = errors.New("mapping deletion not acknowledged")

	// ErrSchemaLost is returned when the mapping was deleted but the store did
	// not acknowledge its recreation. The target now has a dynamic schema.
	ErrSchemaLost = errors.New("mapping deleted but not recreated")
)

// SchemaStore is the part of the store the rebuilder drives.
type SchemaStore interface {
	Refresh(ctx context.Context, index string) error
	GetMapping(ctx context.Context, index, typ string) (*domain.Mapping, error)
	DeleteMapping(ctx context.Context, index, typ string) (bool, error)
	PutMapping(ctx context.Context, index, typ string, mapping *domain.Mapping) (bool, error)
}

// Rebuilder drops and recreates a mapping while keeping its custom definition.
type Rebuilder struct {
	store  SchemaStore
	lock   sync.Locker
	logger *slog.Logger
}

// NewRebuilder creates a rebuilder serialized by lock. Every rebuilder of a
// process must share the same lock.
func NewRebuilder(store SchemaStore, lock sync.Locker, logger *slog.Logger) *Rebuilder {
	return &Rebuilder{store: store, lock: lock, logger: logger}
}

// DropAndRecreateMapping refreshes the index, captures the mapping of typ,
// deletes it and puts the captured definition back. A missing mapping is a
// no-op. The lock is held for the whole sequence.
func (r *Rebuilder) DropAndRecreateMapping(ctx context.Context, index, typ string) (err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	defer func() {
		outcome := outcomeSuccess
		if err != nil {
			outcome = outcomeFailed
		}
		RebuildsTotal.WithLabelValues(index, typ, outcome).Inc()
	}()

	log := r.logger.With(slog.String("index", index), slog.String("type", typ))
	log.DebugContext(ctx, "drop and recreate mapping")

	if err := r.store.Refresh(ctx, index); err != nil {
		return fmt.Errorf("refresh index %s: %w", index, err)
	}

	mapping, err := r.store.GetMapping(ctx, index, typ)
	if err != nil {
		return fmt.Errorf("get mapping %s/%s: %w", index, typ, err)
	}
	if mapping == nil {
		log.InfoContext(ctx, "type does not exist in index, no need to remove mapping")
		return nil
	}

	acked, err := r.store.DeleteMapping(ctx, index, typ)
	if err != nil {
		return fmt.Errorf("delete mapping %s/%s: %w", index, typ, err)
	}
	if !acked {
		log.WarnContext(ctx, "mapping deletion returned acknowledged=false")
		return fmt.Errorf("%s/%s: %w", index, typ, ErrDeleteNotAcknowledged)
	}

	acked, err = r.store.PutMapping(ctx, index, typ, mapping)
	if err != nil {
		return fmt.Errorf("put mapping %s/%s: %w: %w", index, typ, ErrSchemaLost, err)
	}
	if !acked {
		log.ErrorContext(ctx, "failed to put mapping back", slog.Any("mapping", mapping.Source))
		return fmt.Errorf("%s/%s: %w", index, typ, ErrSchemaLost)
	}

	log.InfoContext(ctx, "mapping deleted and recreated")
	return nil
}
