package schedule

import (
	"time"

	"github.com/google/uuid"
)

// Frequency is how often a schedule generates a claim.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// ClaimSchedule maps to the claim_schedule table: one row per panel cadence.
// next_generation_at is the single source of truth for due-ness; it only
// advances after a successful generation run.
type ClaimSchedule struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	PanelID           uuid.UUID  `db:"panel_id" json:"panel_id"`
	Name              string     `db:"name" json:"name"`
	Frequency         Frequency  `db:"frequency" json:"frequency"`
	DayOfPeriod       int        `db:"day_of_period" json:"day_of_period"`
	BillingPeriodDays int        `db:"billing_period_days" json:"billing_period_days"`
	AutoSubmit        bool       `db:"auto_submit" json:"auto_submit"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	LastGenerationAt  *time.Time `db:"last_generation_at" json:"last_generation_at,omitempty"`
	NextGenerationAt  time.Time  `db:"next_generation_at" json:"next_generation_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// NextAfter computes the generation time following from, per the schedule's
// frequency. Monthly and quarterly runs snap to day_of_period, clamped to the
// target month's length.
func (s *ClaimSchedule) NextAfter(from time.Time) time.Time {
	switch s.Frequency {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyQuarterly:
		return advanceMonths(from, 3, s.DayOfPeriod)
	default:
		return advanceMonths(from, 1, s.DayOfPeriod)
	}
}

// advanceMonths moves forward by whole months, resolving the day inside the
// target month. AddDate is deliberately avoided here: it normalises overflow
// (Jan 31 + 1 month = Mar 3), which would skip short months entirely.
func advanceMonths(from time.Time, months, day int) time.Time {
	year, month, _ := from.Date()
	month += time.Month(months)
	if day <= 0 {
		day = from.Day()
	}
	anchor := time.Date(year, month, 1, 0, 0, 0, 0, from.Location())
	if last := daysInMonth(anchor.Year(), anchor.Month()); day > last {
		day = last
	}
	return time.Date(anchor.Year(), anchor.Month(), day, from.Hour(), from.Minute(), 0, 0, from.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// RunResult summarises one generation sweep across due schedules.
type RunResult struct {
	SchedulesDue    int `json:"schedules_due"`
	ClaimsGenerated int `json:"claims_generated"`
	Skipped         int `json:"skipped"`
	Failed          int `json:"failed"`
}
