// Package billing is the read-side boundary to billable encounter records.
// Record creation lives in the surrounding product; the claims engine only
// lists unclaimed records and marks them claimed when a claim is generated.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Record maps to the billing_record table.
type Record struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	PanelID     uuid.UUID       `db:"panel_id" json:"panel_id"`
	PatientID   uuid.UUID       `db:"patient_id" json:"patient_id"`
	EncounterID *uuid.UUID      `db:"encounter_id" json:"encounter_id,omitempty"`
	ServiceDate time.Time       `db:"service_date" json:"service_date"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Description *string         `db:"description" json:"description,omitempty"`
	Claimed     bool            `db:"claimed" json:"claimed"`
	ClaimID     *uuid.UUID      `db:"claim_id" json:"claim_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}
