// Package status stores the shared pipeline status of each river.
package status

import (
	"context"
	"errors"

	"github.com/utafrali/riverbulk/internal/domain"
)

// ErrInvalidStatus is returned when an unknown status is written.
var ErrInvalidStatus = errors.New("invalid pipeline status")

// Store reads and writes the status of a river. Implementations must be safe
// for concurrent use.
type Store interface {
	// Set records the status of the named river.
	Set(ctx context.Context, river string, status domain.Status) error
	// Get returns the status of the named river, or StatusUnknown.
	Get(ctx context.Context, river string) (domain.Status, error)
}
