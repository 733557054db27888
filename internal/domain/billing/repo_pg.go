package billing

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

// ErrNotFound is returned when a billing record does not exist.
var ErrNotFound = errors.New("billing: record not found")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed billing record repository.
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

const recordCols = `id, panel_id, patient_id, encounter_id, service_date, amount,
	description, claimed, claim_id, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PanelID, &rec.PatientID, &rec.EncounterID, &rec.ServiceDate, &rec.Amount,
		&rec.Description, &rec.Claimed, &rec.ClaimID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &rec, err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM billing_record WHERE id = $1`, id))
}

func (r *repoPG) ListUnclaimed(ctx context.Context, panelID uuid.UUID, start, end time.Time) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM billing_record
		WHERE panel_id = $1 AND NOT claimed AND service_date >= $2 AND service_date <= $3
		ORDER BY service_date ASC`, panelID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) MarkClaimed(ctx context.Context, ids []uuid.UUID, claimID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE billing_record
		SET claimed = true, claim_id = $2 WHERE id = ANY($1) AND NOT claimed`, ids, claimID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
