package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransition marks a status change the adjacency table forbids.
	ErrInvalidTransition = errors.New("claims: invalid status transition")
	// ErrConflict marks a conditional write that lost to a concurrent writer.
	ErrConflict = errors.New("claims: claim modified concurrently")
	// ErrReasonRequired is returned when rejecting without a reason.
	ErrReasonRequired = errors.New("claims: rejection reason is required")
)

// Service owns claim lifecycle operations. It is stateless and safe for
// concurrent use; all shared state lives behind the Repository.
type Service struct {
	repo   Repository
	rules  StatusRuleRepository
	logger zerolog.Logger
}

func NewService(repo Repository, rules StatusRuleRepository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, rules: rules, logger: logger.With().Str("component", "claims").Logger()}
}

// Create validates the claim invariants and persists the claim with its
// items atomically. The claim number is allocated here when absent.
func (s *Service) Create(ctx context.Context, c *Claim, items []*ClaimItem) error {
	if c.PanelID == uuid.Nil {
		return fmt.Errorf("panel_id is required")
	}
	if len(items) == 0 {
		return fmt.Errorf("a claim requires at least one item")
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Status != StatusDraft && c.Status != StatusSubmitted {
		return fmt.Errorf("a claim can only be created in draft or submitted, got %q", c.Status)
	}

	total := decimal.Zero
	for _, item := range items {
		if item.BillingID == uuid.Nil {
			return fmt.Errorf("claim item missing billing_id")
		}
		if item.ClaimAmount.IsZero() {
			item.ClaimAmount = item.ItemAmount
		}
		total = total.Add(item.ItemAmount)
	}
	c.TotalAmount = total
	c.TotalItems = len(items)

	if c.ClaimNumber == "" {
		num, err := s.repo.NextClaimNumber(ctx)
		if err != nil {
			return fmt.Errorf("allocate claim number: %w", err)
		}
		c.ClaimNumber = num
	}
	if err := s.repo.Create(ctx, c, items); err != nil {
		return err
	}
	s.logger.Info().
		Str("claim_number", c.ClaimNumber).
		Str("panel_id", c.PanelID.String()).
		Str("total_amount", c.TotalAmount.String()).
		Int("items", c.TotalItems).
		Msg("claim created")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) ListByPanel(ctx context.Context, panelID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	return s.repo.ListByPanel(ctx, panelID, limit, offset)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Claim, int, error) {
	if !KnownStatus(status) {
		return nil, 0, fmt.Errorf("unknown claim status %q", status)
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

func (s *Service) Items(ctx context.Context, claimID uuid.UUID) ([]*ClaimItem, error) {
	return s.repo.Items(ctx, claimID)
}

// ClaimedAmount returns the amount actually being claimed: the sum of
// claim_amount over included items, which equals total_amount unless items
// were adjusted or excluded before submission.
func (s *Service) ClaimedAmount(ctx context.Context, claimID uuid.UUID) (decimal.Decimal, error) {
	items, err := s.repo.Items(ctx, claimID)
	if err != nil {
		return decimal.Zero, err
	}
	if len(items) == 0 {
		c, err := s.repo.GetByID(ctx, claimID)
		if err != nil {
			return decimal.Zero, err
		}
		return c.TotalAmount, nil
	}
	sum := decimal.Zero
	for _, it := range items {
		if it.Status == ItemIncluded {
			sum = sum.Add(it.ClaimAmount)
		}
	}
	return sum, nil
}

// Transition moves a claim to a new status through the shared validator and
// a conditional write. A lost race against a writer that already landed the
// same target status is reported as success; any other lost race is
// ErrConflict.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, stamp StatusStamp) (*Claim, error) {
	if !KnownStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == to {
		// Another writer already landed this transition.
		return c, nil
	}
	if !ValidateTransition(c.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	if to == StatusRejected && stamp.Reason == "" {
		return nil, ErrReasonRequired
	}
	if stamp.At.IsZero() {
		stamp.At = time.Now().UTC()
	}

	matched, err := s.repo.UpdateStatus(ctx, id, c.Status, to, stamp)
	if err != nil {
		return nil, err
	}
	if !matched {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == to {
			// Another writer already landed this transition.
			return current, nil
		}
		return nil, fmt.Errorf("%w: now %s", ErrConflict, current.Status)
	}

	s.logger.Info().
		Str("claim_id", id.String()).
		Str("from", string(c.Status)).
		Str("to", string(to)).
		Str("actor", stamp.Actor).
		Msg("claim status changed")
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Submit(ctx context.Context, id uuid.UUID, actor string) (*Claim, error) {
	return s.Transition(ctx, id, StatusSubmitted, StatusStamp{Actor: actor})
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor string) (*Claim, error) {
	return s.Transition(ctx, id, StatusApproved, StatusStamp{Actor: actor})
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*Claim, error) {
	return s.Transition(ctx, id, StatusRejected, StatusStamp{Actor: actor, Reason: reason})
}

func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, paidAmount decimal.Decimal) (*Claim, error) {
	return s.Transition(ctx, id, StatusPaid, StatusStamp{PaidAmount: &paidAmount})
}

func (s *Service) MarkShortPaid(ctx context.Context, id uuid.UUID, paidAmount decimal.Decimal) (*Claim, error) {
	return s.Transition(ctx, id, StatusShortPaid, StatusStamp{PaidAmount: &paidAmount})
}

// AdjustItemAmount changes claim_amount on one item while the parent claim is
// still in draft.
func (s *Service) AdjustItemAmount(ctx context.Context, itemID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("claim_amount cannot be negative")
	}
	matched, err := s.repo.UpdateItemAmount(ctx, itemID, amount)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("item not found or claim no longer in draft")
	}
	return nil
}

// ActiveTimeRules returns the active time-based progression rules for the
// automation sweep.
func (s *Service) ActiveTimeRules(ctx context.Context) ([]*StatusRule, error) {
	return s.rules.ListActive(ctx, TriggerTimeBased)
}

// StaleClaims lists claims sitting in a rule's from_status longer than the
// rule's delay.
func (s *Service) StaleClaims(ctx context.Context, rule *StatusRule, now time.Time, limit int) ([]*Claim, error) {
	cutoff := now.Add(-time.Duration(rule.DelayHours) * time.Hour)
	return s.repo.ListStaleByStatus(ctx, rule.FromStatus, cutoff, limit)
}
