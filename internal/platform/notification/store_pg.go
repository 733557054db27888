package notification

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

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns the Postgres-backed notification store.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

const notificationCols = `id, type, recipient, subject, body, template_id, template_data,
	status, retry_count, last_error, created_at, sent_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.Type, &n.Recipient, &n.Subject, &n.Body, &n.TemplateID, &n.TemplateData,
		&n.Status, &n.RetryCount, &n.LastError, &n.CreatedAt, &n.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &n, err
}

func (s *storePG) Enqueue(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = StatusPending
	_, err := conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO notification (id, type, recipient, subject, body, template_id, template_data, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.Type, n.Recipient, n.Subject, n.Body, n.TemplateID, n.TemplateData, n.Status)
	return err
}

func (s *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return scanNotification(conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE id = $1`, id))
}

func (s *storePG) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `SELECT `+notificationCols+` FROM notification
		WHERE recipient = $1 ORDER BY created_at DESC LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *storePG) ClaimBatch(ctx context.Context, limit int) ([]*Notification, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `
		UPDATE notification SET retry_count = retry_count + 1
		WHERE id IN (
			SELECT id FROM notification
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationCols, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *storePG) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := conn(ctx, s.pool).Exec(ctx, `UPDATE notification
		SET status = 'sent', sent_at = $2, last_error = NULL WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *storePG) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	tag, err := conn(ctx, s.pool).Exec(ctx, `UPDATE notification
		SET status = $2, last_error = $3 WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *storePG) Reset(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := conn(ctx, s.pool).Exec(ctx, `UPDATE notification
		SET status = 'pending', retry_count = 0, last_error = NULL
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *storePG) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT status, COUNT(*) FROM notification GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[Status]int)
	for rows.Next() {
		var st Status
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, err
		}
		stats[st] = count
	}
	return stats, rows.Err()
}
