package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record or category does not exist.
	ErrNotFound = errors.New("reconciliation: not found")
	// ErrAlreadyReconciled is returned when a claim already has a record.
	ErrAlreadyReconciled = errors.New("reconciliation: claim already reconciled")
)

// Repository is the persistence boundary for reconciliation records.
// Records are append-only apart from the single pending -> resolved write.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByClaim(ctx context.Context, claimID uuid.UUID) (*Record, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error)
	// Resolve is conditional on the record still being pending.
	Resolve(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error)
	// Stats recomputes the aggregate view from the full record set.
	Stats(ctx context.Context) (*Stats, error)
}

// CategoryRepository reads variance category configuration.
type CategoryRepository interface {
	ListActive(ctx context.Context) ([]*Category, error)
}
