package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/domain/approval"
	"github.com/clinicore/clinicore/internal/domain/claims"
)

// ErrNotResolvable is returned when resolving a record that is no longer
// pending.
var ErrNotResolvable = errors.New("reconciliation: record is not pending")

// Notifier enqueues a notification addressed to everyone holding a role.
type Notifier interface {
	NotifyRole(ctx context.Context, role, template string, data map[string]string) error
}

var hundred = decimal.NewFromInt(100)

// Service matches incoming payment facts against claims, classifies the
// variance, and drives the claim's terminal transitions through the claims
// service. It also implements approval.SubjectHandler for records gated by an
// approval workflow.
type Service struct {
	records    Repository
	categories CategoryRepository
	claims     *claims.Service
	approvals  *approval.Service
	notifier   Notifier
	logger     zerolog.Logger
}

func NewService(records Repository, categories CategoryRepository, claimSvc *claims.Service, approvals *approval.Service, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		records:    records,
		categories: categories,
		claims:     claimSvc,
		approvals:  approvals,
		notifier:   notifier,
		logger:     logger.With().Str("component", "reconciliation").Logger(),
	}
}

// RecordPayment ingests one remittance fact for a claim: it computes and
// classifies the variance, persists the reconciliation record, and either
// resolves it immediately (variance within tolerance), parks it behind an
// approval request, or applies the variance category's default action.
func (s *Service) RecordPayment(ctx context.Context, fact PaymentFact) (*Record, error) {
	claim, err := s.claims.Get(ctx, fact.ClaimID)
	if err != nil {
		return nil, err
	}
	if _, err := s.records.GetByClaim(ctx, fact.ClaimID); err == nil {
		return nil, ErrAlreadyReconciled
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if fact.ReceivedAmount.IsNegative() {
		return nil, fmt.Errorf("received_amount cannot be negative")
	}

	claimed, err := s.claims.ClaimedAmount(ctx, fact.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("compute claimed amount: %w", err)
	}

	variance := fact.ReceivedAmount.Sub(claimed)
	pct := decimal.Zero
	if !claimed.IsZero() {
		pct = variance.Div(claimed).Mul(hundred).Round(2)
	}

	cats, err := s.categories.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load variance categories: %w", err)
	}
	vtype := classify(fact, claimed, variance, pct, cats)

	now := time.Now().UTC()
	rec := &Record{
		ClaimID:            claim.ID,
		ClaimAmount:        claimed,
		ReceivedAmount:     fact.ReceivedAmount,
		VarianceAmount:     variance,
		VariancePercentage: pct,
		VarianceType:       vtype,
		Status:             StatusPending,
		PaymentDate:        fact.PaymentDate,
	}
	if fact.PaymentReference != "" {
		rec.PaymentReference = &fact.PaymentReference
	}
	if fact.PaymentMethod != "" {
		rec.PaymentMethod = &fact.PaymentMethod
	}
	if fact.RejectionReason != "" {
		rec.RejectionReason = &fact.RejectionReason
	}

	if vtype == VarianceNone {
		system := "system"
		rec.Status = StatusResolved
		rec.ReconciledBy = &system
		rec.ReconciledAt = &now
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("claim_id", claim.ID.String()).
		Str("claim_number", claim.ClaimNumber).
		Str("variance", variance.String()).
		Str("variance_pct", pct.String()).
		Str("variance_type", string(vtype)).
		Msg("payment recorded")

	if vtype == VarianceNone {
		if _, err := s.claims.MarkPaid(ctx, claim.ID, fact.ReceivedAmount); err != nil {
			return nil, fmt.Errorf("mark claim paid: %w", err)
		}
		return s.records.GetByID(ctx, rec.ID)
	}

	if vtype == VarianceAdjustment {
		// The adjustment was approved before the remittance arrived; settle
		// without re-entering the approval path.
		if err := s.settle(ctx, rec, "system"); err != nil {
			return nil, err
		}
		return s.records.GetByID(ctx, rec.ID)
	}

	// A variance exists: check whether an approval workflow gates it.
	req, err := s.approvals.RequireApproval(ctx, approval.SubjectReconciliation, rec.ID, &claim.PanelID, variance.Abs())
	if err != nil && !errors.Is(err, approval.ErrNoWorkflows) {
		return nil, fmt.Errorf("evaluate approval: %w", err)
	}
	if req != nil {
		// Resolution waits for the approval decision.
		return rec, nil
	}

	if err := s.applyDefaultAction(ctx, rec, vtype, cats); err != nil {
		return nil, err
	}
	return s.records.GetByID(ctx, rec.ID)
}

// classify derives the variance type from the payment fact and tolerance
// configuration. A zero remittance is a rejection; a variance inside the
// matching category's tolerance band collapses to none.
func classify(fact PaymentFact, claimed, variance, pct decimal.Decimal, cats []*Category) VarianceType {
	if fact.ReceivedAmount.IsZero() && !claimed.IsZero() {
		return VarianceRejection
	}
	if variance.IsZero() {
		return VarianceNone
	}
	if !fact.AdjustmentAmount.IsZero() && variance.Equal(fact.AdjustmentAmount) {
		return VarianceAdjustment
	}
	vtype := VarianceUnderpayment
	if variance.IsPositive() {
		vtype = VarianceOverpayment
	}
	if cat := findCategory(cats, vtype); cat != nil {
		if withinTolerance(variance, pct, cat) {
			return VarianceNone
		}
	}
	return vtype
}

func withinTolerance(variance, pct decimal.Decimal, cat *Category) bool {
	if cat.ToleranceAmount.IsPositive() && variance.Abs().LessThanOrEqual(cat.ToleranceAmount) {
		return true
	}
	if cat.TolerancePercent.IsPositive() && pct.Abs().LessThanOrEqual(cat.TolerancePercent) {
		return true
	}
	return false
}

func findCategory(cats []*Category, vtype VarianceType) *Category {
	for _, c := range cats {
		if c.Code == vtype {
			return c
		}
	}
	return nil
}

// applyDefaultAction handles a variance that no approval workflow claimed.
func (s *Service) applyDefaultAction(ctx context.Context, rec *Record, vtype VarianceType, cats []*Category) error {
	action := ActionManualReview
	if cat := findCategory(cats, vtype); cat != nil {
		action = cat.DefaultAction
	}
	switch action {
	case ActionAutoAccept:
		return s.settle(ctx, rec, "system")
	case ActionAutoEscalate:
		if s.notifier != nil {
			data := map[string]string{
				"claim_id":      rec.ClaimID.String(),
				"variance":      rec.VarianceAmount.String(),
				"variance_pct":  rec.VariancePercentage.String(),
				"variance_type": string(vtype),
			}
			if err := s.notifier.NotifyRole(ctx, "supervisor", "variance-detected", data); err != nil {
				s.logger.Warn().Err(err).Str("claim_id", rec.ClaimID.String()).Msg("variance notification enqueue failed")
			}
		}
		return nil
	default:
		// Manual review: the record stays pending until a human resolves it.
		return nil
	}
}

// settle marks the record resolved and lands the claim's terminal transition
// implied by the variance type. The resolve is conditional; losing the race
// to another resolver is ErrNotResolvable.
func (s *Service) settle(ctx context.Context, rec *Record, actor string) error {
	matched, err := s.records.Resolve(ctx, rec.ID, actor, time.Now().UTC())
	if err != nil {
		return err
	}
	if !matched {
		return ErrNotResolvable
	}

	switch rec.VarianceType {
	case VarianceRejection:
		reason := "payment rejected by panel"
		if rec.RejectionReason != nil && *rec.RejectionReason != "" {
			reason = *rec.RejectionReason
		}
		_, err = s.claims.Reject(ctx, rec.ClaimID, actor, reason)
	case VarianceUnderpayment:
		_, err = s.claims.MarkShortPaid(ctx, rec.ClaimID, rec.ReceivedAmount)
	case VarianceAdjustment:
		if rec.ReceivedAmount.LessThan(rec.ClaimAmount) {
			_, err = s.claims.MarkShortPaid(ctx, rec.ClaimID, rec.ReceivedAmount)
		} else {
			_, err = s.claims.MarkPaid(ctx, rec.ClaimID, rec.ReceivedAmount)
		}
	default:
		_, err = s.claims.MarkPaid(ctx, rec.ClaimID, rec.ReceivedAmount)
	}
	if err != nil {
		return fmt.Errorf("apply claim transition for %s: %w", rec.VarianceType, err)
	}
	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("claim_id", rec.ClaimID.String()).
		Str("variance_type", string(rec.VarianceType)).
		Str("actor", actor).
		Msg("reconciliation resolved")
	return nil
}

// Resolve is the manual resolution path for a pending record.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, actor string) (*Record, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, ErrNotResolvable
	}
	if err := s.settle(ctx, rec, actor); err != nil {
		return nil, err
	}
	return s.records.GetByID(ctx, id)
}

// OnApproved implements approval.SubjectHandler: an approved variance is
// accepted as-is.
func (s *Service) OnApproved(ctx context.Context, req *approval.Request, actor string) error {
	rec, err := s.records.GetByID(ctx, req.SubjectID)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return nil
	}
	return s.settle(ctx, rec, actor)
}

// OnRejected implements approval.SubjectHandler: rejecting the variance
// rejects the underlying claim.
func (s *Service) OnRejected(ctx context.Context, req *approval.Request, actor, reason string) error {
	rec, err := s.records.GetByID(ctx, req.SubjectID)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return nil
	}
	matched, err := s.records.Resolve(ctx, rec.ID, actor, time.Now().UTC())
	if err != nil {
		return err
	}
	if !matched {
		return nil
	}
	if _, err := s.claims.Reject(ctx, rec.ClaimID, actor, reason); err != nil {
		return fmt.Errorf("reject claim: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.records.GetByID(ctx, id)
}

func (s *Service) GetByClaim(ctx context.Context, claimID uuid.UUID) (*Record, error) {
	return s.records.GetByClaim(ctx, claimID)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	return s.records.ListByStatus(ctx, status, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.records.Stats(ctx)
}
