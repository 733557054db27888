package approval

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

// --- workflows ---

type workflowRepoPG struct{ pool *pgxpool.Pool }

// NewWorkflowRepoPG returns the Postgres-backed workflow repository.
func NewWorkflowRepoPG(pool *pgxpool.Pool) WorkflowRepository { return &workflowRepoPG{pool: pool} }

const workflowCols = `id, name, min_approval_amount, max_approval_amount, required_role,
	escalation_role, approval_order, auto_approve_below_threshold, escalation_hours,
	panel_id, is_active, created_at`

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var w Workflow
	err := row.Scan(&w.ID, &w.Name, &w.MinApprovalAmount, &w.MaxApprovalAmount, &w.RequiredRole,
		&w.EscalationRole, &w.ApprovalOrder, &w.AutoApproveBelowThreshold, &w.EscalationHours,
		&w.PanelID, &w.IsActive, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &w, err
}

func (r *workflowRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	return scanWorkflow(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+workflowCols+` FROM approval_workflow WHERE id = $1`, id))
}

func (r *workflowRepoPG) ListActive(ctx context.Context) ([]*Workflow, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+workflowCols+` FROM approval_workflow
		WHERE is_active ORDER BY approval_order ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- requests ---

type requestRepoPG struct{ pool *pgxpool.Pool }

// NewRequestRepoPG returns the Postgres-backed approval request repository.
func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository { return &requestRepoPG{pool: pool} }

const requestCols = `id, subject_kind, subject_id, workflow_id, request_amount, status,
	requested_at, expires_at, responded_at, responded_by, approval_notes, rejection_reason, created_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.SubjectKind, &req.SubjectID, &req.WorkflowID, &req.RequestAmount, &req.Status,
		&req.RequestedAt, &req.ExpiresAt, &req.RespondedAt, &req.RespondedBy, &req.ApprovalNotes,
		&req.RejectionReason, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &req, err
}

func (r *requestRepoPG) Create(ctx context.Context, req *Request) error {
	req.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO approval_request (id, subject_kind, subject_id, workflow_id, request_amount,
			status, requested_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.ID, req.SubjectKind, req.SubjectID, req.WorkflowID, req.RequestAmount,
		req.Status, req.RequestedAt, req.ExpiresAt)
	return err
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+requestCols+` FROM approval_request WHERE id = $1`, id))
}

func (r *requestRepoPG) ListByStatus(ctx context.Context, status RequestStatus, limit, offset int) ([]*Request, int, error) {
	c := conn(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM approval_request WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.Query(ctx, `SELECT `+requestCols+` FROM approval_request
		WHERE status = $1 ORDER BY requested_at ASC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, req)
	}
	return out, total, rows.Err()
}

func (r *requestRepoPG) ListBySubject(ctx context.Context, kind SubjectKind, subjectID uuid.UUID) ([]*Request, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+requestCols+` FROM approval_request
		WHERE subject_kind = $1 AND subject_id = $2 ORDER BY requested_at DESC`, kind, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *requestRepoPG) PendingForSubject(ctx context.Context, kind SubjectKind, subjectID uuid.UUID) (*Request, error) {
	return scanRequest(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+requestCols+` FROM approval_request
		WHERE subject_kind = $1 AND subject_id = $2 AND status = 'pending'
		ORDER BY requested_at DESC LIMIT 1`, kind, subjectID))
}

func (r *requestRepoPG) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+requestCols+` FROM approval_request
		WHERE status = 'pending' AND expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *requestRepoPG) Terminate(ctx context.Context, id uuid.UUID, d Disposition) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE approval_request
		SET status = $2, responded_at = $3, responded_by = $4, approval_notes = $5, rejection_reason = $6
		WHERE id = $1 AND status = 'pending'`,
		id, d.Status, d.RespondedAt, d.RespondedBy, d.ApprovalNotes, d.RejectionReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
