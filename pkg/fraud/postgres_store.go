package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresReviewStore implements ReviewStore.
type PostgresReviewStore struct {
	q database.Querier
}

func NewPostgresReviewStore(q database.Querier) *PostgresReviewStore {
	return &PostgresReviewStore{q: q}
}

const reviewColumns = "order_id, risk_score, risk_level, factors, review_status, blocking, reviewed_by, review_note, reviewed_at, created_at"

func (s *PostgresReviewStore) Create(ctx context.Context, r *Review) error {
	factors, err := json.Marshal(r.Factors)
	if err != nil {
		return fmt.Errorf("fraud: encode factors: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		"INSERT INTO fraud_reviews ("+reviewColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		r.OrderID, r.Score, string(r.Level), factors, string(r.Status), r.Blocking,
		nullString(r.ReviewedBy), nullString(r.Note), r.ReviewedAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("fraud: create review: %w", err)
	}
	return nil
}

func (s *PostgresReviewStore) Get(ctx context.Context, orderID string) (*Review, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+reviewColumns+" FROM fraud_reviews WHERE order_id = $1", orderID)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fraud: get review: %w", err)
	}
	return r, nil
}

func (s *PostgresReviewStore) Resolve(ctx context.Context, orderID string, status ReviewStatus, reviewer, note string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE fraud_reviews SET review_status = $2, reviewed_by = $3, review_note = $4, reviewed_at = $5
		WHERE order_id = $1 AND review_status = 'pending'`,
		orderID, string(status), reviewer, nullString(note), at)
	if err != nil {
		return fmt.Errorf("fraud: resolve review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fraud: resolve review: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, orderID); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

func (s *PostgresReviewStore) ListPending(ctx context.Context, limit int) ([]Review, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+reviewColumns+" FROM fraud_reviews WHERE review_status = 'pending' AND blocking ORDER BY risk_score DESC, created_at ASC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("fraud: list pending: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("fraud: list pending: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReview(sc scanner) (*Review, error) {
	var (
		r                Review
		level, status    string
		factors          []byte
		reviewedBy, note sql.NullString
		reviewedAt       sql.NullTime
	)
	if err := sc.Scan(&r.OrderID, &r.Score, &level, &factors, &status, &r.Blocking, &reviewedBy, &note, &reviewedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(factors, &r.Factors); err != nil {
		return nil, fmt.Errorf("corrupt factors: %w", err)
	}
	r.Level = Level(level)
	r.Status = ReviewStatus(status)
	r.ReviewedBy = reviewedBy.String
	r.Note = note.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresProfileStore implements ProfileStore.
type PostgresProfileStore struct {
	q database.Querier
}

func NewPostgresProfileStore(q database.Querier) *PostgresProfileStore {
	return &PostgresProfileStore{q: q}
}

func (s *PostgresProfileStore) Profile(ctx context.Context, email string) (Profile, error) {
	p := Profile{Email: normalizeEmail(email)}
	err := s.q.QueryRowContext(ctx,
		"SELECT risk_score, return_count, updated_at FROM customer_risk_profiles WHERE email = $1",
		p.Email).Scan(&p.RiskScore, &p.ReturnCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("fraud: get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresProfileStore) RecordConfirmedFraud(ctx context.Context, email string, delta int, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO customer_risk_profiles (email, risk_score, return_count, updated_at)
		VALUES ($1, LEAST($2, 100), 0, $3)
		ON CONFLICT (email) DO UPDATE SET
			risk_score = LEAST(customer_risk_profiles.risk_score + $2, 100),
			updated_at = $3`,
		normalizeEmail(email), delta, at)
	if err != nil {
		return fmt.Errorf("fraud: record confirmed fraud: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
