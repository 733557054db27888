package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed reconciliation repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const recordCols = `id, claim_id, claim_amount, received_amount, variance_amount, variance_percentage,
	variance_type, reconciliation_status, reconciled_by, reconciled_at,
	payment_reference, payment_date, payment_method, rejection_reason, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ClaimID, &rec.ClaimAmount, &rec.ReceivedAmount, &rec.VarianceAmount,
		&rec.VariancePercentage, &rec.VarianceType, &rec.Status, &rec.ReconciledBy, &rec.ReconciledAt,
		&rec.PaymentReference, &rec.PaymentDate, &rec.PaymentMethod, &rec.RejectionReason, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &rec, err
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO reconciliation_record (id, claim_id, claim_amount, received_amount,
			variance_amount, variance_percentage, variance_type, reconciliation_status,
			reconciled_by, reconciled_at, payment_reference, payment_date, payment_method, rejection_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.ClaimID, rec.ClaimAmount, rec.ReceivedAmount,
		rec.VarianceAmount, rec.VariancePercentage, rec.VarianceType, rec.Status,
		rec.ReconciledBy, rec.ReconciledAt, rec.PaymentReference, rec.PaymentDate, rec.PaymentMethod, rec.RejectionReason)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: unique violation on claim_id, one record per claim.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyReconciled
		}
		return err
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+recordCols+` FROM reconciliation_record WHERE id = $1`, id))
}

func (r *repoPG) GetByClaim(ctx context.Context, claimID uuid.UUID) (*Record, error) {
	return scanRecord(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+recordCols+` FROM reconciliation_record WHERE claim_id = $1`, claimID))
}

func (r *repoPG) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	c := conn(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_record WHERE reconciliation_status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, `SELECT `+recordCols+` FROM reconciliation_record
		WHERE reconciliation_status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Resolve(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE reconciliation_record
		SET reconciliation_status = 'resolved', reconciled_by = $2, reconciled_at = $3
		WHERE id = $1 AND reconciliation_status = 'pending'`, id, by, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) Stats(ctx context.Context) (*Stats, error) {
	c := conn(ctx, r.pool)
	var s Stats
	err := c.QueryRow(ctx, `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE reconciliation_status = 'pending'),
		COUNT(*) FILTER (WHERE reconciliation_status = 'resolved'),
		COALESCE(AVG(variance_percentage), 0)
		FROM reconciliation_record`).Scan(&s.TotalVariances, &s.PendingCount, &s.ResolvedCount, &s.AvgVariancePercentage)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, `SELECT variance_type, COUNT(*) FROM reconciliation_record
		GROUP BY variance_type ORDER BY COUNT(*) DESC, variance_type ASC LIMIT 5`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.VarianceType, &tc.Count); err != nil {
			return nil, err
		}
		s.TopVarianceTypes = append(s.TopVarianceTypes, tc)
	}
	return &s, rows.Err()
}

// --- categories ---

type categoryRepoPG struct{ pool *pgxpool.Pool }

// NewCategoryRepoPG returns the Postgres-backed variance category repository.
func NewCategoryRepoPG(pool *pgxpool.Pool) CategoryRepository { return &categoryRepoPG{pool: pool} }

func (r *categoryRepoPG) ListActive(ctx context.Context) ([]*Category, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT id, code, default_action, tolerance_amount,
		tolerance_percent, is_active, created_at
		FROM variance_category WHERE is_active ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Category
	for rows.Next() {
		var cat Category
		if err := rows.Scan(&cat.ID, &cat.Code, &cat.DefaultAction, &cat.ToleranceAmount,
			&cat.TolerancePercent, &cat.IsActive, &cat.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &cat)
	}
	return out, rows.Err()
}
