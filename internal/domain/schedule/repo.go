package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a schedule does not exist.
var ErrNotFound = errors.New("schedule: not found")

// Repository is the persistence boundary for claim schedules.
type Repository interface {
	Create(ctx context.Context, s *ClaimSchedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*ClaimSchedule, error)
	List(ctx context.Context, limit, offset int) ([]*ClaimSchedule, int, error)
	// ListDue returns active schedules whose next_generation_at is at or
	// before now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*ClaimSchedule, error)
	// Advance moves the schedule forward conditionally on next_generation_at
	// still holding its expected value, so concurrent generators cannot both
	// claim the same run.
	Advance(ctx context.Context, id uuid.UUID, expectedNext, lastGen, nextGen time.Time) (bool, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
