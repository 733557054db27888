package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository exposes the narrow capability set the claims engine needs from
// billing records: read unclaimed and conditionally mark claimed.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// ListUnclaimed returns records for the panel with a service date inside
	// [start, end] that are not attached to any claim, oldest first.
	ListUnclaimed(ctx context.Context, panelID uuid.UUID, start, end time.Time) ([]*Record, error)
	// MarkClaimed attaches records to a claim with a conditional write
	// (WHERE claimed = false) and reports how many rows it actually claimed.
	// A count lower than len(ids) means another generator got there first.
	MarkClaimed(ctx context.Context, ids []uuid.UUID, claimID uuid.UUID) (int64, error)
}
