package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a workflow or request does not exist.
var ErrNotFound = errors.New("approval: not found")

// WorkflowRepository reads approval workflow configuration.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Workflow, error)
	// ListActive returns active workflows ordered by approval_order.
	ListActive(ctx context.Context) ([]*Workflow, error)
}

// Disposition carries the fields written when a pending request terminates.
type Disposition struct {
	Status          RequestStatus
	RespondedAt     *time.Time
	RespondedBy     *string
	ApprovalNotes   *string
	RejectionReason *string
}

// RequestRepository is the persistence boundary for approval requests. The
// only mutation is the conditional pending -> terminal write, which keeps
// overlapping sweeps and double-submitted decisions from re-terminating a
// request.
type RequestRepository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	ListByStatus(ctx context.Context, status RequestStatus, limit, offset int) ([]*Request, int, error)
	ListBySubject(ctx context.Context, kind SubjectKind, subjectID uuid.UUID) ([]*Request, error)
	// PendingForSubject returns the open request for a subject, or ErrNotFound.
	PendingForSubject(ctx context.Context, kind SubjectKind, subjectID uuid.UUID) (*Request, error)
	// ListExpiredPending returns pending requests with expires_at <= now.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Request, error)
	// Terminate applies d "WHERE id = $id AND status = 'pending'". It returns
	// false with a nil error when the row was no longer pending.
	Terminate(ctx context.Context, id uuid.UUID, d Disposition) (bool, error)
}
