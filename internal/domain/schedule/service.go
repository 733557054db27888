package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/domain/billing"
	"github.com/clinicore/clinicore/internal/domain/claims"
)

// TxRunner executes fn atomically. The production runner wraps db.WithTx;
// tests substitute a pass-through.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service generates claims from due schedules. Each schedule is processed in
// its own transaction so one bad panel cannot poison a whole run.
type Service struct {
	repo    Repository
	billing billing.Repository
	claims  *claims.Service
	tx      TxRunner
	logger  zerolog.Logger
}

func NewService(repo Repository, billingRepo billing.Repository, claimSvc *claims.Service, tx TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		billing: billingRepo,
		claims:  claimSvc,
		tx:      tx,
		logger:  logger.With().Str("component", "schedule").Logger(),
	}
}

// Run executes one generation sweep over every schedule due as of now.
// Per-schedule failures are counted and logged, never fatal to the sweep.
func (s *Service) Run(ctx context.Context, now time.Time) (RunResult, error) {
	var res RunResult
	due, err := s.repo.ListDue(ctx, now, 100)
	if err != nil {
		return res, fmt.Errorf("list due schedules: %w", err)
	}
	res.SchedulesDue = len(due)

	for _, sched := range due {
		claim, err := s.GenerateForSchedule(ctx, sched, now)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Error().Err(err).
				Str("schedule_id", sched.ID.String()).
				Str("panel_id", sched.PanelID.String()).
				Msg("claim generation failed")
		case claim == nil:
			res.Skipped++
		default:
			res.ClaimsGenerated++
		}
	}
	return res, nil
}

// GenerateForSchedule runs one schedule: it advances the schedule's cursor,
// gathers unclaimed billing records for the billing window ending at now, and
// creates the claim with those records attached. The cursor advance is the
// exclusivity gate; a schedule another generator already advanced is skipped.
// A nil claim with a nil error means nothing was generated (lost race or an
// empty window).
func (s *Service) GenerateForSchedule(ctx context.Context, sched *ClaimSchedule, now time.Time) (*claims.Claim, error) {
	start := now.AddDate(0, 0, -sched.BillingPeriodDays)
	var generated *claims.Claim

	err := s.tx(ctx, func(ctx context.Context) error {
		next := sched.NextAfter(sched.NextGenerationAt)
		matched, err := s.repo.Advance(ctx, sched.ID, sched.NextGenerationAt, now, next)
		if err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
		if !matched {
			return nil
		}

		records, err := s.billing.ListUnclaimed(ctx, sched.PanelID, start, now)
		if err != nil {
			return fmt.Errorf("list unclaimed billing records: %w", err)
		}
		if len(records) == 0 {
			s.logger.Info().
				Str("schedule_id", sched.ID.String()).
				Str("panel_id", sched.PanelID.String()).
				Msg("billing window empty, schedule advanced without a claim")
			return nil
		}

		claim, items := buildClaim(sched, records, start, now)
		if err := s.claims.Create(ctx, claim, items); err != nil {
			return fmt.Errorf("create claim: %w", err)
		}

		ids := make([]uuid.UUID, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
		}
		marked, err := s.billing.MarkClaimed(ctx, ids, claim.ID)
		if err != nil {
			return fmt.Errorf("mark billing records claimed: %w", err)
		}
		if marked != int64(len(ids)) {
			// Some record got claimed elsewhere mid-run; abort so nothing
			// from this schedule lands partially.
			return fmt.Errorf("claimed %d of %d billing records, aborting generation", marked, len(ids))
		}

		generated = claim
		return nil
	})
	if err != nil {
		return nil, err
	}
	if generated != nil {
		s.logger.Info().
			Str("schedule_id", sched.ID.String()).
			Str("claim_number", generated.ClaimNumber).
			Int("items", generated.TotalItems).
			Str("total_amount", generated.TotalAmount.String()).
			Msg("claim generated from schedule")
	}
	return generated, nil
}

func buildClaim(sched *ClaimSchedule, records []*billing.Record, start, now time.Time) (*claims.Claim, []*claims.ClaimItem) {
	claim := &claims.Claim{
		PanelID:            sched.PanelID,
		BillingPeriodStart: start,
		BillingPeriodEnd:   now,
		Status:             claims.StatusDraft,
		Metadata: map[string]string{
			"trigger":     "scheduled",
			"schedule_id": sched.ID.String(),
		},
	}
	if sched.AutoSubmit {
		claim.Status = claims.StatusSubmitted
		at := now
		by := "scheduler"
		claim.SubmittedAt = &at
		claim.SubmittedBy = &by
	}

	items := make([]*claims.ClaimItem, len(records))
	for i, rec := range records {
		items[i] = &claims.ClaimItem{
			BillingID:  rec.ID,
			ItemAmount: rec.Amount,
			Status:     claims.ItemIncluded,
		}
	}
	return claim, items
}

func (s *Service) Create(ctx context.Context, sched *ClaimSchedule) error {
	if sched.PanelID == uuid.Nil {
		return fmt.Errorf("panel_id is required")
	}
	switch sched.Frequency {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
	default:
		return fmt.Errorf("unknown frequency %q", sched.Frequency)
	}
	if sched.BillingPeriodDays <= 0 {
		return fmt.Errorf("billing_period_days must be positive")
	}
	if sched.NextGenerationAt.IsZero() {
		sched.NextGenerationAt = sched.NextAfter(time.Now().UTC())
	}
	return s.repo.Create(ctx, sched)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ClaimSchedule, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*ClaimSchedule, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}
