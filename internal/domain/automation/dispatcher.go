// Package automation is the single entry point for scheduled background work:
// an external scheduler (cron, systemd timer, CLI) posts a task and the
// dispatcher routes it to the owning domain service.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/domain/approval"
	"github.com/clinicore/clinicore/internal/domain/claims"
	"github.com/clinicore/clinicore/internal/domain/schedule"
	"github.com/clinicore/clinicore/internal/platform/notification"
)

// TaskType names a background job the dispatcher knows how to run.
type TaskType string

const (
	TaskStatusProgression    TaskType = "status_progression"
	TaskScheduledGeneration  TaskType = "scheduled_generation"
	TaskApprovalTimeout      TaskType = "approval_timeout"
	TaskNotificationDispatch TaskType = "notification"
)

// ErrUnknownTask is returned for a task type the dispatcher does not handle.
var ErrUnknownTask = errors.New("automation: unknown task type")

// Task is one unit of background work.
type Task struct {
	Type TaskType          `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// ProgressionResult summarises one status-progression sweep.
type ProgressionResult struct {
	RulesApplied int `json:"rules_applied"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Dispatcher routes automation tasks to the services that own them.
type Dispatcher struct {
	claims        *claims.Service
	schedules     *schedule.Service
	approvals     *approval.Service
	notifications *notification.Manager
	logger        zerolog.Logger
}

func NewDispatcher(claimSvc *claims.Service, scheduleSvc *schedule.Service, approvalSvc *approval.Service, notifications *notification.Manager, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		claims:        claimSvc,
		schedules:     scheduleSvc,
		approvals:     approvalSvc,
		notifications: notifications,
		logger:        logger.With().Str("component", "automation").Logger(),
	}
}

// Run executes one task synchronously and returns its result payload. All
// task handlers are idempotent, so a task run twice after a scheduler hiccup
// does no harm.
func (d *Dispatcher) Run(ctx context.Context, task Task) (interface{}, error) {
	now := time.Now().UTC()
	d.logger.Info().Str("task", string(task.Type)).Msg("automation task started")

	switch task.Type {
	case TaskStatusProgression:
		return d.runStatusProgression(ctx, now)
	case TaskScheduledGeneration:
		return d.schedules.Run(ctx, now)
	case TaskApprovalTimeout:
		return d.approvals.EscalationSweep(ctx, now)
	case TaskNotificationDispatch:
		return d.notifications.DispatchPending(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task.Type)
	}
}

// runStatusProgression applies every active time-based rule to claims that
// have sat in the rule's from_status past its delay. Each transition goes
// through the claims service's validator; a claim another writer moved in the
// meantime is skipped, not failed.
func (d *Dispatcher) runStatusProgression(ctx context.Context, now time.Time) (ProgressionResult, error) {
	var res ProgressionResult
	rules, err := d.claims.ActiveTimeRules(ctx)
	if err != nil {
		return res, fmt.Errorf("load status rules: %w", err)
	}

	for _, rule := range rules {
		if !rule.AutoExecute {
			continue
		}
		res.RulesApplied++
		stale, err := d.claims.StaleClaims(ctx, rule, now, 200)
		if err != nil {
			res.Failed++
			d.logger.Error().Err(err).
				Str("rule_id", rule.ID.String()).
				Msg("status progression: stale claim listing failed")
			continue
		}
		for _, cl := range stale {
			_, err := d.claims.Transition(ctx, cl.ID, rule.ToStatus, claims.StatusStamp{Actor: "automation", At: now})
			switch {
			case err == nil:
				res.Transitioned++
				d.notifyRuleTransition(ctx, rule, cl)
			case errors.Is(err, claims.ErrConflict), errors.Is(err, claims.ErrInvalidTransition):
				// Someone else moved the claim between listing and writing.
				res.Skipped++
			default:
				res.Failed++
				d.logger.Error().Err(err).
					Str("claim_id", cl.ID.String()).
					Str("rule_id", rule.ID.String()).
					Msg("status progression: transition failed")
			}
		}
	}
	return res, nil
}

// notifyRuleTransition enqueues the per-rule notification for a claim the
// sweep just moved. Enqueue failures are logged, never fatal to the sweep.
func (d *Dispatcher) notifyRuleTransition(ctx context.Context, rule *claims.StatusRule, cl *claims.Claim) {
	if !rule.NotificationEnabled {
		return
	}
	data := map[string]string{
		"claim_number": cl.ClaimNumber,
		"from":         string(rule.FromStatus),
		"status":       string(rule.ToStatus),
	}
	if err := d.notifications.NotifyRole(ctx, "billing", "claim-status-changed", data); err != nil {
		d.logger.Warn().Err(err).
			Str("claim_id", cl.ID.String()).
			Str("rule_id", rule.ID.String()).
			Msg("status progression: notification enqueue failed")
	}
}
