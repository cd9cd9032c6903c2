package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresStore implements Store on approval_requests.
type PostgresStore struct {
	q database.Querier
}

func NewPostgresStore(q database.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const requestColumns = "id, rule_id, entity_type, entity_id, action_type, action_data, action_hash, status, requires_two, auto_approve, requested_by, approved_by, second_approved_by, rejected_by, reject_reason, created_at, updated_at, resolved_at, executed_at"

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO approval_requests (id, rule_id, entity_type, entity_id, action_type, action_data, action_hash, status, requires_two, auto_approve, requested_by, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		r.ID, r.RuleID, r.EntityType, r.EntityID, string(r.Action.Type), []byte(r.Action.Data), r.ActionHash,
		string(r.Status), r.RequiresTwo, r.AutoApprove, r.RequestedBy, r.CreatedAt, r.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("approval: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	return s.one(ctx, "SELECT "+requestColumns+" FROM approval_requests WHERE id = $1", id)
}

func (s *PostgresStore) FindPendingByHash(ctx context.Context, hash string) (*Request, error) {
	return s.one(ctx, "SELECT "+requestColumns+" FROM approval_requests WHERE action_hash = $1 AND status = 'pending'", hash)
}

func (s *PostgresStore) one(ctx context.Context, query, arg string) (*Request, error) {
	r, err := scanRequest(s.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) RecordApproval(ctx context.Context, id, approver string, step Step, at time.Time) error {
	var query string
	switch step {
	case StepSole:
		query = "UPDATE approval_requests SET status = 'approved', approved_by = $2, resolved_at = $3, updated_at = $3 WHERE id = $1 AND status = 'pending' AND approved_by IS NULL"
	case StepFirst:
		query = "UPDATE approval_requests SET approved_by = $2, updated_at = $3 WHERE id = $1 AND status = 'pending' AND approved_by IS NULL"
	case StepSecond:
		query = "UPDATE approval_requests SET status = 'approved', second_approved_by = $2, resolved_at = $3, updated_at = $3 WHERE id = $1 AND status = 'pending' AND approved_by IS NOT NULL AND approved_by <> $2 AND second_approved_by IS NULL"
	default:
		return fmt.Errorf("approval: unknown step %d", step)
	}
	return s.guarded(ctx, "approve", query, id, approver, at)
}

func (s *PostgresStore) Reject(ctx context.Context, id, rejector, reason string, at time.Time) error {
	return s.guarded(ctx, "reject",
		"UPDATE approval_requests SET status = 'rejected', rejected_by = $2, reject_reason = $3, resolved_at = $4, updated_at = $4 WHERE id = $1 AND status = 'pending'",
		id, rejector, reason, at)
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	return s.guarded(ctx, "mark executed",
		"UPDATE approval_requests SET executed_at = $2, updated_at = $2 WHERE id = $1 AND status = 'approved' AND executed_at IS NULL",
		id, at)
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Request, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+requestColumns+" FROM approval_requests WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) guarded(ctx context.Context, op, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("approval: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: %s: %w", op, err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	var (
		r                                   Request
		actionType, status                  string
		data                                []byte
		approvedBy, second, rejectedBy, why sql.NullString
		resolvedAt, executedAt              sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.RuleID, &r.EntityType, &r.EntityID, &actionType, &data, &r.ActionHash,
		&status, &r.RequiresTwo, &r.AutoApprove, &r.RequestedBy, &approvedBy, &second, &rejectedBy, &why,
		&r.CreatedAt, &r.UpdatedAt, &resolvedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	r.Action = Envelope{Type: ActionType(actionType), Data: data}
	r.Status = Status(status)
	r.ApprovedBy, r.SecondApprovedBy = approvedBy.String, second.String
	r.RejectedBy, r.RejectReason = rejectedBy.String, why.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		r.ExecutedAt = &t
	}
	return &r, nil
}
