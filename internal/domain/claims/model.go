package claims

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a panel claim.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusPaid      Status = "paid"
	StatusShortPaid Status = "short_paid"
	StatusRejected  Status = "rejected"
)

// ItemStatus is the per-line-item state within a claim.
type ItemStatus string

const (
	ItemIncluded ItemStatus = "included"
	ItemExcluded ItemStatus = "excluded"
	ItemRejected ItemStatus = "rejected"
)

// TriggerType describes what drives a StatusRule.
type TriggerType string

const (
	TriggerTimeBased TriggerType = "time_based"
	TriggerManual    TriggerType = "manual"
	TriggerEvent     TriggerType = "event"
)

// Claim maps to the claim table: one batched bill submitted to a panel
// (insurer) covering the billing records of one billing period.
type Claim struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	ClaimNumber        string            `db:"claim_number" json:"claim_number"`
	PanelID            uuid.UUID         `db:"panel_id" json:"panel_id"`
	BillingPeriodStart time.Time         `db:"billing_period_start" json:"billing_period_start"`
	BillingPeriodEnd   time.Time         `db:"billing_period_end" json:"billing_period_end"`
	TotalAmount        decimal.Decimal   `db:"total_amount" json:"total_amount"`
	TotalItems         int               `db:"total_items" json:"total_items"`
	Status             Status            `db:"status" json:"status"`
	SubmittedAt        *time.Time        `db:"submitted_at" json:"submitted_at,omitempty"`
	SubmittedBy        *string           `db:"submitted_by" json:"submitted_by,omitempty"`
	ApprovedAt         *time.Time        `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedBy         *string           `db:"approved_by" json:"approved_by,omitempty"`
	PaidAt             *time.Time        `db:"paid_at" json:"paid_at,omitempty"`
	PaidAmount         *decimal.Decimal  `db:"paid_amount" json:"paid_amount,omitempty"`
	RejectionReason    *string           `db:"rejection_reason" json:"rejection_reason,omitempty"`
	Metadata           map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// ClaimItem maps to the claim_item table. A billing record appears in at most
// one claim; item_amount is frozen at claim creation while claim_amount may be
// adjusted until the claim is submitted.
type ClaimItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	ClaimID     uuid.UUID       `db:"claim_id" json:"claim_id"`
	BillingID   uuid.UUID       `db:"billing_id" json:"billing_id"`
	ItemAmount  decimal.Decimal `db:"item_amount" json:"item_amount"`
	ClaimAmount decimal.Decimal `db:"claim_amount" json:"claim_amount"`
	Status      ItemStatus      `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// StatusRule maps to the claim_status_rule table and drives the automated
// status-progression sweep.
type StatusRule struct {
	ID                  uuid.UUID   `db:"id" json:"id"`
	FromStatus          Status      `db:"from_status" json:"from_status"`
	ToStatus            Status      `db:"to_status" json:"to_status"`
	TriggerType         TriggerType `db:"trigger_type" json:"trigger_type"`
	DelayHours          int         `db:"delay_hours" json:"delay_hours"`
	AutoExecute         bool        `db:"auto_execute" json:"auto_execute"`
	NotificationEnabled bool        `db:"notification_enabled" json:"notification_enabled"`
	IsActive            bool        `db:"is_active" json:"is_active"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
}

// StatusStamp carries the side-effect fields recorded together with a status
// transition. Which fields are consulted depends on the target status.
type StatusStamp struct {
	Actor      string
	Reason     string
	PaidAmount *decimal.Decimal
	At         time.Time
}
