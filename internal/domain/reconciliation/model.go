package reconciliation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VarianceType classifies the difference between claimed and received.
type VarianceType string

const (
	VarianceNone         VarianceType = "none"
	VarianceUnderpayment VarianceType = "underpayment"
	VarianceOverpayment  VarianceType = "overpayment"
	VarianceRejection    VarianceType = "rejection"
	VarianceAdjustment   VarianceType = "adjustment"
)

// Status is the reconciliation lifecycle: a record starts pending and is
// resolved exactly once, by automation, approval, or a human.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// DefaultAction is what a variance category does when no approval workflow
// intervenes.
type DefaultAction string

const (
	ActionAutoAccept   DefaultAction = "auto_accept"
	ActionAutoEscalate DefaultAction = "auto_escalate"
	ActionManualReview DefaultAction = "manual_review"
)

// Record maps to the reconciliation_record table. One per claim, created when
// a remittance fact arrives; never deleted (audit trail).
type Record struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	ClaimID            uuid.UUID       `db:"claim_id" json:"claim_id"`
	ClaimAmount        decimal.Decimal `db:"claim_amount" json:"claim_amount"`
	ReceivedAmount     decimal.Decimal `db:"received_amount" json:"received_amount"`
	VarianceAmount     decimal.Decimal `db:"variance_amount" json:"variance_amount"`
	VariancePercentage decimal.Decimal `db:"variance_percentage" json:"variance_percentage"`
	VarianceType       VarianceType    `db:"variance_type" json:"variance_type"`
	Status             Status          `db:"reconciliation_status" json:"reconciliation_status"`
	ReconciledBy       *string         `db:"reconciled_by" json:"reconciled_by,omitempty"`
	ReconciledAt       *time.Time      `db:"reconciled_at" json:"reconciled_at,omitempty"`
	PaymentReference   *string         `db:"payment_reference" json:"payment_reference,omitempty"`
	PaymentDate        *time.Time      `db:"payment_date" json:"payment_date,omitempty"`
	PaymentMethod      *string         `db:"payment_method" json:"payment_method,omitempty"`
	RejectionReason    *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// Category is static configuration mapping a variance classification to its
// default handling and tolerance band.
type Category struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	Code             VarianceType    `db:"code" json:"code"`
	DefaultAction    DefaultAction   `db:"default_action" json:"default_action"`
	ToleranceAmount  decimal.Decimal `db:"tolerance_amount" json:"tolerance_amount"`
	TolerancePercent decimal.Decimal `db:"tolerance_percent" json:"tolerance_percent"`
	IsActive         bool            `db:"is_active" json:"is_active"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// PaymentFact is a recorded remittance from a panel for one claim.
// AdjustmentAmount carries an adjustment already agreed with the panel
// (signed, received minus claimed); a remittance matching it exactly is an
// adjustment, not a payment variance.
type PaymentFact struct {
	ClaimID          uuid.UUID       `json:"claim_id"`
	ReceivedAmount   decimal.Decimal `json:"received_amount"`
	AdjustmentAmount decimal.Decimal `json:"adjustment_amount"`
	PaymentReference string          `json:"payment_reference"`
	PaymentDate      *time.Time      `json:"payment_date,omitempty"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
}

// TypeCount pairs a variance type with its record count.
type TypeCount struct {
	VarianceType VarianceType `json:"variance_type"`
	Count        int          `json:"count"`
}

// Stats are derived from the full record set on demand; nothing here is an
// incremental counter that can drift.
type Stats struct {
	TotalVariances        int             `json:"total_variances"`
	PendingCount          int             `json:"pending_count"`
	ResolvedCount         int             `json:"resolved_count"`
	AvgVariancePercentage decimal.Decimal `json:"avg_variance_percentage"`
	TopVarianceTypes      []TypeCount     `json:"top_variance_types"`
}

// Split is the 90/10 panel/patient display projection of a claim amount. It
// is reporting output only and feeds no state machine.
type Split struct {
	PanelPortion   decimal.Decimal `json:"panel_portion"`
	PatientPortion decimal.Decimal `json:"patient_portion"`
}

var panelShare = decimal.NewFromFloat(0.9)

// SplitAmount projects an amount into its panel/patient display portions.
func SplitAmount(total decimal.Decimal) Split {
	panel := total.Mul(panelShare).Round(2)
	return Split{PanelPortion: panel, PatientPortion: total.Sub(panel)}
}
