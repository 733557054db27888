package approval

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
	// ErrNoWorkflows means approval is unconfigured; callers treat this as a
	// fatal configuration error rather than implicit approval.
	ErrNoWorkflows = errors.New("approval: no active workflows configured")
	// ErrNotPending is returned when acting on a request that already
	// reached a terminal status.
	ErrNotPending = errors.New("approval: request is not pending")
	// ErrRoleNotAllowed is returned when the actor lacks the workflow's
	// required role.
	ErrRoleNotAllowed = errors.New("approval: actor role not allowed")
)

// Action is a manual decision on a pending request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Notifier enqueues a notification addressed to everyone holding a role.
// The notification platform owns delivery and retries.
type Notifier interface {
	NotifyRole(ctx context.Context, role, template string, data map[string]string) error
}

// SubjectHandler reacts to a request reaching approved/rejected, triggering
// the dependent transition (claim approval, reconciliation resolution) via
// the owning domain's own validator-gated path.
type SubjectHandler interface {
	OnApproved(ctx context.Context, req *Request, actor string) error
	OnRejected(ctx context.Context, req *Request, actor, reason string) error
}

// Service is the approval workflow engine.
type Service struct {
	workflows WorkflowRepository
	requests  RequestRepository
	notifier  Notifier
	handlers  map[SubjectKind]SubjectHandler
	logger    zerolog.Logger
}

func NewService(workflows WorkflowRepository, requests RequestRepository, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		workflows: workflows,
		requests:  requests,
		notifier:  notifier,
		handlers:  make(map[SubjectKind]SubjectHandler),
		logger:    logger.With().Str("component", "approval").Logger(),
	}
}

// RegisterSubjectHandler wires the domain that owns a subject kind. Done at
// startup, before any request is processed.
func (s *Service) RegisterSubjectHandler(kind SubjectKind, h SubjectHandler) {
	s.handlers[kind] = h
}

// NeedsApproval selects the workflow gating the given amount, or nil when no
// approval is needed. Workflows scoped to another panel are skipped; among
// the rest the lowest approval_order whose band contains the amount wins.
// An amount below a workflow's minimum with auto_approve_below_threshold set
// is implicitly approved.
func (s *Service) NeedsApproval(ctx context.Context, panelID *uuid.UUID, amount decimal.Decimal) (*Workflow, error) {
	wfs, err := s.workflows.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	if len(wfs) == 0 {
		return nil, ErrNoWorkflows
	}
	for _, wf := range wfs {
		if wf.PanelID != nil && (panelID == nil || *wf.PanelID != *panelID) {
			continue
		}
		if wf.Contains(amount) {
			return wf, nil
		}
		if wf.AutoApproveBelowThreshold && amount.LessThan(wf.MinApprovalAmount) {
			return nil, nil
		}
	}
	return nil, nil
}

// RequireApproval evaluates the workflows for a subject and creates a pending
// request when one applies. It is idempotent per subject: an existing pending
// request is returned instead of creating a duplicate. A nil request with a
// nil error means no approval is required.
func (s *Service) RequireApproval(ctx context.Context, kind SubjectKind, subjectID uuid.UUID, panelID *uuid.UUID, amount decimal.Decimal) (*Request, error) {
	wf, err := s.NeedsApproval(ctx, panelID, amount)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, nil
	}

	if existing, err := s.requests.PendingForSubject(ctx, kind, subjectID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	req := &Request{
		SubjectKind:   kind,
		SubjectID:     subjectID,
		WorkflowID:    wf.ID,
		RequestAmount: amount,
		Status:        RequestPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(time.Duration(wf.EscalationHours) * time.Hour),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("subject", string(kind)).
		Str("subject_id", subjectID.String()).
		Str("amount", amount.String()).
		Str("workflow", wf.Name).
		Msg("approval request created")

	if s.notifier != nil {
		data := map[string]string{
			"subject":    string(kind),
			"subject_id": subjectID.String(),
			"amount":     amount.String(),
			"expires_at": req.ExpiresAt.Format(time.RFC3339),
		}
		if err := s.notifier.NotifyRole(ctx, wf.RequiredRole, "approval-pending", data); err != nil {
			s.logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("approval notification enqueue failed")
		}
	}
	return req, nil
}

// ProcessRequest applies a manual approve/reject decision. Valid only while
// the request is pending; the terminal write is conditional so a decision
// that lost a race surfaces as ErrNotPending. Approval always flows into the
// subject's own transition path, never a bare status write.
func (s *Service) ProcessRequest(ctx context.Context, id uuid.UUID, action Action, actor string, actorRoles []string, notes string) (*Request, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != RequestPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}
	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if !roleSatisfied(wf.RequiredRole, actorRoles) {
		return nil, fmt.Errorf("%w: need %s", ErrRoleNotAllowed, wf.RequiredRole)
	}

	now := time.Now().UTC()
	d := Disposition{RespondedAt: &now, RespondedBy: &actor}
	switch action {
	case ActionApprove:
		d.Status = RequestApproved
		if notes != "" {
			d.ApprovalNotes = &notes
		}
	case ActionReject:
		if notes == "" {
			return nil, fmt.Errorf("a rejection reason is required")
		}
		d.Status = RequestRejected
		d.RejectionReason = &notes
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	matched, err := s.requests.Terminate(ctx, id, d)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrNotPending
	}

	if h, ok := s.handlers[req.SubjectKind]; ok {
		var herr error
		if action == ActionApprove {
			herr = h.OnApproved(ctx, req, actor)
		} else {
			herr = h.OnRejected(ctx, req, actor, notes)
		}
		if herr != nil {
			s.logger.Error().Err(herr).
				Str("request_id", id.String()).
				Str("subject", string(req.SubjectKind)).
				Msg("dependent transition failed after approval decision")
			return nil, fmt.Errorf("apply %s to %s: %w", action, req.SubjectKind, herr)
		}
	}

	s.logger.Info().
		Str("request_id", id.String()).
		Str("action", string(action)).
		Str("actor", actor).
		Msg("approval request processed")
	return s.requests.GetByID(ctx, id)
}

// EscalationSweep terminates every pending request past its deadline as of
// now: escalated when the workflow names an escalation role, expired
// otherwise. Safe to run concurrently; the conditional write makes a row
// claimed by another sweep a no-op. Item failures are counted, not fatal.
func (s *Service) EscalationSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	reqs, err := s.requests.ListExpiredPending(ctx, now, 500)
	if err != nil {
		return res, fmt.Errorf("list expired requests: %w", err)
	}
	for _, req := range reqs {
		wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
		if err != nil {
			res.Failed++
			s.logger.Error().Err(err).Str("request_id", req.ID.String()).Msg("escalation sweep: workflow lookup failed")
			continue
		}
		if wf.EscalationRole != nil && *wf.EscalationRole != "" {
			matched, err := s.requests.Terminate(ctx, req.ID, Disposition{Status: RequestEscalated})
			if err != nil {
				res.Failed++
				s.logger.Error().Err(err).Str("request_id", req.ID.String()).Msg("escalation sweep: escalate failed")
				continue
			}
			if !matched {
				continue
			}
			res.Escalated++
			if s.notifier != nil {
				data := map[string]string{
					"subject":    string(req.SubjectKind),
					"subject_id": req.SubjectID.String(),
					"amount":     req.RequestAmount.String(),
				}
				if err := s.notifier.NotifyRole(ctx, *wf.EscalationRole, "approval-escalated", data); err != nil {
					s.logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("escalation notification enqueue failed")
				}
			}
		} else {
			matched, err := s.requests.Terminate(ctx, req.ID, Disposition{Status: RequestExpired})
			if err != nil {
				res.Failed++
				s.logger.Error().Err(err).Str("request_id", req.ID.String()).Msg("escalation sweep: expire failed")
				continue
			}
			if matched {
				res.Expired++
			}
		}
	}
	return res, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.requests.GetByID(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status RequestStatus, limit, offset int) ([]*Request, int, error) {
	return s.requests.ListByStatus(ctx, status, limit, offset)
}

func (s *Service) ListBySubject(ctx context.Context, kind SubjectKind, subjectID uuid.UUID) ([]*Request, error) {
	return s.requests.ListBySubject(ctx, kind, subjectID)
}

func (s *Service) Workflows(ctx context.Context) ([]*Workflow, error) {
	return s.workflows.ListActive(ctx)
}

func roleSatisfied(required string, roles []string) bool {
	for _, r := range roles {
		if r == required || r == "admin" {
			return true
		}
	}
	return false
}
