package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed claim repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const claimCols = `id, claim_number, panel_id, billing_period_start, billing_period_end,
	total_amount, total_items, status,
	submitted_at, submitted_by, approved_at, approved_by,
	paid_at, paid_amount, rejection_reason, metadata, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PanelID, &c.BillingPeriodStart, &c.BillingPeriodEnd,
		&c.TotalAmount, &c.TotalItems, &c.Status,
		&c.SubmittedAt, &c.SubmittedBy, &c.ApprovedAt, &c.ApprovedBy,
		&c.PaidAt, &c.PaidAmount, &c.RejectionReason, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *repoPG) Create(ctx context.Context, c *Claim, items []*ClaimItem) error {
	conn := r.conn(ctx)
	c.ID = uuid.New()
	_, err := conn.Exec(ctx, `
		INSERT INTO claim (id, claim_number, panel_id, billing_period_start, billing_period_end,
			total_amount, total_items, status,
			submitted_at, submitted_by, rejection_reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.ClaimNumber, c.PanelID, c.BillingPeriodStart, c.BillingPeriodEnd,
		c.TotalAmount, c.TotalItems, c.Status,
		c.SubmittedAt, c.SubmittedBy, c.RejectionReason, c.Metadata)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	for _, item := range items {
		item.ID = uuid.New()
		item.ClaimID = c.ID
		if item.Status == "" {
			item.Status = ItemIncluded
		}
		_, err := conn.Exec(ctx, `
			INSERT INTO claim_item (id, claim_id, billing_id, item_amount, claim_amount, status)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			item.ID, item.ClaimID, item.BillingID, item.ItemAmount, item.ClaimAmount, item.Status)
		if err != nil {
			return fmt.Errorf("insert claim item %s: %w", item.BillingID, err)
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *repoPG) GetByNumber(ctx context.Context, claimNumber string) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE claim_number = $1`, claimNumber))
}

func (r *repoPG) list(ctx context.Context, where string, countArgs []interface{}, limit, offset int) ([]*Claim, int, error) {
	conn := r.conn(ctx)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM claim `+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args := append(append([]interface{}{}, countArgs...), limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM claim %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		claimCols, where, len(countArgs)+1, len(countArgs)+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListByPanel(ctx context.Context, panelID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	return r.list(ctx, `WHERE panel_id = $1`, []interface{}{panelID}, limit, offset)
}

func (r *repoPG) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Claim, int, error) {
	return r.list(ctx, `WHERE status = $1`, []interface{}{status}, limit, offset)
}

func (r *repoPG) ListStaleByStatus(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claim
		WHERE status = $1 AND updated_at <= $2 ORDER BY updated_at ASC LIMIT $3`,
		status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, stamp StatusStamp) (bool, error) {
	at := stamp.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	conn := r.conn(ctx)
	var tag pgconn.CommandTag
	var err error
	switch to {
	case StatusSubmitted:
		tag, err = conn.Exec(ctx, `UPDATE claim SET status=$3, submitted_at=$4, submitted_by=$5, updated_at=NOW()
			WHERE id=$1 AND status=$2`, id, from, to, at, stamp.Actor)
	case StatusApproved:
		tag, err = conn.Exec(ctx, `UPDATE claim SET status=$3, approved_at=$4, approved_by=$5, updated_at=NOW()
			WHERE id=$1 AND status=$2`, id, from, to, at, stamp.Actor)
	case StatusRejected:
		tag, err = conn.Exec(ctx, `UPDATE claim SET status=$3, rejection_reason=$4, updated_at=NOW()
			WHERE id=$1 AND status=$2`, id, from, to, stamp.Reason)
	case StatusPaid, StatusShortPaid:
		tag, err = conn.Exec(ctx, `UPDATE claim SET status=$3, paid_at=$4, paid_amount=$5, updated_at=NOW()
			WHERE id=$1 AND status=$2`, id, from, to, at, stamp.PaidAmount)
	default:
		tag, err = conn.Exec(ctx, `UPDATE claim SET status=$3, updated_at=NOW()
			WHERE id=$1 AND status=$2`, id, from, to)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const itemCols = `id, claim_id, billing_id, item_amount, claim_amount, status, created_at`

func (r *repoPG) Items(ctx context.Context, claimID uuid.UUID) ([]*ClaimItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM claim_item WHERE claim_id = $1 ORDER BY created_at ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ClaimItem
	for rows.Next() {
		var it ClaimItem
		if err := rows.Scan(&it.ID, &it.ClaimID, &it.BillingID, &it.ItemAmount, &it.ClaimAmount, &it.Status, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateItemAmount(ctx context.Context, itemID uuid.UUID, amount decimal.Decimal) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE claim_item SET claim_amount = $2
		WHERE id = $1 AND claim_id IN (SELECT id FROM claim WHERE status = $3)`,
		itemID, amount, StatusDraft)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) UpdateItemStatus(ctx context.Context, itemID uuid.UUID, status ItemStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE claim_item SET status = $2 WHERE id = $1`, itemID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) NextClaimNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('claim_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("claim number sequence: %w", err)
	}
	return fmt.Sprintf("CLM-%s-%06d", time.Now().UTC().Format("200601"), seq), nil
}

// --- status rules ---

type statusRuleRepoPG struct{ pool *pgxpool.Pool }

// NewStatusRuleRepoPG returns the Postgres-backed status rule repository.
func NewStatusRuleRepoPG(pool *pgxpool.Pool) StatusRuleRepository { return &statusRuleRepoPG{pool: pool} }

func (r *statusRuleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *statusRuleRepoPG) ListActive(ctx context.Context, trigger TriggerType) ([]*StatusRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, from_status, to_status, trigger_type, delay_hours,
		auto_execute, notification_enabled, is_active, created_at
		FROM claim_status_rule WHERE is_active AND trigger_type = $1 ORDER BY created_at ASC`, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StatusRule
	for rows.Next() {
		var sr StatusRule
		if err := rows.Scan(&sr.ID, &sr.FromStatus, &sr.ToStatus, &sr.TriggerType, &sr.DelayHours,
			&sr.AutoExecute, &sr.NotificationEnabled, &sr.IsActive, &sr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}
