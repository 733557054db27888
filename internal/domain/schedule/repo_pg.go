package schedule

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

// NewRepoPG returns the Postgres-backed schedule repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const scheduleCols = `id, panel_id, name, frequency, day_of_period, billing_period_days,
	auto_submit, is_active, last_generation_at, next_generation_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*ClaimSchedule, error) {
	var s ClaimSchedule
	err := row.Scan(&s.ID, &s.PanelID, &s.Name, &s.Frequency, &s.DayOfPeriod, &s.BillingPeriodDays,
		&s.AutoSubmit, &s.IsActive, &s.LastGenerationAt, &s.NextGenerationAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *ClaimSchedule) error {
	s.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO claim_schedule (id, panel_id, name, frequency, day_of_period,
			billing_period_days, auto_submit, is_active, next_generation_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.PanelID, s.Name, s.Frequency, s.DayOfPeriod,
		s.BillingPeriodDays, s.AutoSubmit, s.IsActive, s.NextGenerationAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClaimSchedule, error) {
	return scanSchedule(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+scheduleCols+` FROM claim_schedule WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*ClaimSchedule, int, error) {
	c := conn(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM claim_schedule`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, `SELECT `+scheduleCols+` FROM claim_schedule
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*ClaimSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*ClaimSchedule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+scheduleCols+` FROM claim_schedule
		WHERE is_active AND next_generation_at <= $1
		ORDER BY next_generation_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ClaimSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) Advance(ctx context.Context, id uuid.UUID, expectedNext, lastGen, nextGen time.Time) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE claim_schedule
		SET last_generation_at = $3, next_generation_at = $4, updated_at = NOW()
		WHERE id = $1 AND next_generation_at = $2`, id, expectedNext, lastGen, nextGen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE claim_schedule
		SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
