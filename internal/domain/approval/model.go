package approval

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RequestStatus is the lifecycle state of an approval request. Terminal
// requests (everything but pending) are immutable.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestEscalated RequestStatus = "escalated"
	RequestExpired   RequestStatus = "expired"
)

// SubjectKind identifies what an approval request gates.
type SubjectKind string

const (
	SubjectClaim          SubjectKind = "claim"
	SubjectReconciliation SubjectKind = "reconciliation"
)

// Workflow is approval configuration, not a transient entity: it defines an
// amount band, the role that may approve inside the band, and escalation
// behaviour when nobody responds in time.
type Workflow struct {
	ID                        uuid.UUID        `db:"id" json:"id"`
	Name                      string           `db:"name" json:"name"`
	MinApprovalAmount         decimal.Decimal  `db:"min_approval_amount" json:"min_approval_amount"`
	MaxApprovalAmount         *decimal.Decimal `db:"max_approval_amount" json:"max_approval_amount,omitempty"`
	RequiredRole              string           `db:"required_role" json:"required_role"`
	EscalationRole            *string          `db:"escalation_role" json:"escalation_role,omitempty"`
	ApprovalOrder             int              `db:"approval_order" json:"approval_order"`
	AutoApproveBelowThreshold bool             `db:"auto_approve_below_threshold" json:"auto_approve_below_threshold"`
	EscalationHours           int              `db:"escalation_hours" json:"escalation_hours"`
	PanelID                   *uuid.UUID       `db:"panel_id" json:"panel_id,omitempty"`
	IsActive                  bool             `db:"is_active" json:"is_active"`
	CreatedAt                 time.Time        `db:"created_at" json:"created_at"`
}

// Contains reports whether the workflow's amount band covers the amount.
func (w *Workflow) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(w.MinApprovalAmount) {
		return false
	}
	if w.MaxApprovalAmount != nil && amount.GreaterThan(*w.MaxApprovalAmount) {
		return false
	}
	return true
}

// Request maps to the approval_request table.
type Request struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	SubjectKind     SubjectKind     `db:"subject_kind" json:"subject_kind"`
	SubjectID       uuid.UUID       `db:"subject_id" json:"subject_id"`
	WorkflowID      uuid.UUID       `db:"workflow_id" json:"workflow_id"`
	RequestAmount   decimal.Decimal `db:"request_amount" json:"request_amount"`
	Status          RequestStatus   `db:"status" json:"status"`
	RequestedAt     time.Time       `db:"requested_at" json:"requested_at"`
	ExpiresAt       time.Time       `db:"expires_at" json:"expires_at"`
	RespondedAt     *time.Time      `db:"responded_at" json:"responded_at,omitempty"`
	RespondedBy     *string         `db:"responded_by" json:"responded_by,omitempty"`
	ApprovalNotes   *string         `db:"approval_notes" json:"approval_notes,omitempty"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// SweepResult summarises one escalation sweep.
type SweepResult struct {
	Escalated int `json:"escalated"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}
