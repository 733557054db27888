package claims

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a claim, item or rule does not exist.
var ErrNotFound = errors.New("claims: not found")

// Repository is the persistence boundary for claims and their items. All
// status writes are conditional on the current status so that concurrent
// writers degrade to no-ops instead of clobbering each other.
type Repository interface {
	// Create inserts the claim and its items as one transaction.
	Create(ctx context.Context, c *Claim, items []*ClaimItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByNumber(ctx context.Context, claimNumber string) (*Claim, error)
	ListByPanel(ctx context.Context, panelID uuid.UUID, limit, offset int) ([]*Claim, int, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Claim, int, error)
	// ListStaleByStatus returns claims in the given status whose updated_at
	// is at or before the cutoff, oldest first.
	ListStaleByStatus(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Claim, error)

	// UpdateStatus performs "SET status = to WHERE id = $id AND status = from"
	// together with the stamp's side-effect columns. It returns false with a
	// nil error when the conditional write matched no row.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, stamp StatusStamp) (bool, error)

	Items(ctx context.Context, claimID uuid.UUID) ([]*ClaimItem, error)
	// UpdateItemAmount adjusts claim_amount on a single item. The write is
	// conditional on the parent claim still being in draft.
	UpdateItemAmount(ctx context.Context, itemID uuid.UUID, amount decimal.Decimal) (bool, error)
	UpdateItemStatus(ctx context.Context, itemID uuid.UUID, status ItemStatus) error

	// NextClaimNumber allocates a new globally unique, human-readable claim
	// number. Allocation is monotonic and collision-free.
	NextClaimNumber(ctx context.Context) (string, error)
}

// StatusRuleRepository reads the configured status-progression rules.
type StatusRuleRepository interface {
	ListActive(ctx context.Context, trigger TriggerType) ([]*StatusRule, error)
}
