package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresStore implements Store on the email_queue table.
type PostgresStore struct {
	q database.Querier
}

func NewPostgresStore(q database.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const messageColumns = "id, recipient, subject, html_body, template, status, attempts, max_attempts, scheduled_at, last_error, sent_at, created_at, updated_at"

func (s *PostgresStore) Enqueue(ctx context.Context, m *Message) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO email_queue (id, recipient, subject, html_body, template, status, attempts, max_attempts, scheduled_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		m.ID, m.To, m.Subject, m.HTML, m.Template, string(m.Status), m.Attempts, m.MaxAttempts, m.ScheduledAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE email_queue SET scheduled_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark sent",
		"UPDATE email_queue SET status = 'sent', sent_at = $2, updated_at = $2, attempts = attempts + 1 WHERE id = $1",
		id, at)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	return s.exec(ctx, "mark retry",
		"UPDATE email_queue SET attempts = $2, scheduled_at = $3, last_error = $4, updated_at = $5 WHERE id = $1",
		id, attempts, next, lastErr, at)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.exec(ctx, "mark failed",
		"UPDATE email_queue SET status = 'failed', attempts = $2, last_error = $3, updated_at = $4 WHERE id = $1",
		id, attempts, lastErr, at)
}

func (s *PostgresStore) DeadLetters(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM email_queue WHERE status = 'failed' ORDER BY updated_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("notify: dead letters: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) Retry(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE email_queue SET status = 'pending', attempts = 0, scheduled_at = $2, last_error = NULL, updated_at = $2 WHERE id = $1 AND status = 'failed'",
		id, at)
	if err != nil {
		return fmt.Errorf("notify: retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notify: retry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM email_queue WHERE status = 'sent' AND sent_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("notify: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT status, COUNT(*) FROM email_queue GROUP BY status")
	if err != nil {
		return Stats{}, fmt.Errorf("notify: stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("notify: stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusSent:
			st.Sent = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("notify: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notify: %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collect(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m       Message
			status  string
			lastErr sql.NullString
			sentAt  sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.To, &m.Subject, &m.HTML, &m.Template, &status, &m.Attempts, &m.MaxAttempts, &m.ScheduledAt, &lastErr, &sentAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		m.Status = Status(status)
		m.LastError = lastErr.String
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
