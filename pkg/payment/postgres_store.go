package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresIntentStore implements IntentStore.
type PostgresIntentStore struct {
	q database.Querier
}

func NewPostgresIntentStore(q database.Querier) *PostgresIntentStore {
	return &PostgresIntentStore{q: q}
}

const intentColumns = "id, order_id, provider, status, amount_cents, currency, provider_ref, expires_at, created_at, updated_at"

func (s *PostgresIntentStore) Create(ctx context.Context, in *Intent) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO payment_intents ("+intentColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		in.ID, in.OrderID, in.Provider, string(in.Status), in.AmountCents, in.Currency,
		sql.NullString{String: in.ProviderRef, Valid: in.ProviderRef != ""},
		in.ExpiresAt, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payment: create intent: %w", err)
	}
	return nil
}

func (s *PostgresIntentStore) Get(ctx context.Context, id string) (*Intent, error) {
	return s.one(ctx, "SELECT "+intentColumns+" FROM payment_intents WHERE id = $1", id)
}

func (s *PostgresIntentStore) GetByOrder(ctx context.Context, orderID string) (*Intent, error) {
	return s.one(ctx, "SELECT "+intentColumns+" FROM payment_intents WHERE order_id = $1", orderID)
}

func (s *PostgresIntentStore) one(ctx context.Context, query string, arg string) (*Intent, error) {
	in, err := scanIntent(s.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: get intent: %w", err)
	}
	return in, nil
}

func (s *PostgresIntentStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE payment_intents SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2",
		id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("payment: transition intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payment: transition intent: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (s *PostgresIntentStore) SetProviderRef(ctx context.Context, id, ref string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE payment_intents SET provider_ref = $2, updated_at = $3 WHERE id = $1", id, ref, at)
	if err != nil {
		return fmt.Errorf("payment: set provider ref: %w", err)
	}
	return nil
}

func (s *PostgresIntentStore) ListExpired(ctx context.Context, now time.Time, after database.Cursor, limit int) ([]Intent, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE status = 'pending' AND expires_at < $1 AND (expires_at, id) > ($2, $3) ORDER BY expires_at ASC, id ASC LIMIT $4",
		now, after.At, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("payment: list expired: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: list expired: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(sc scanner) (*Intent, error) {
	var in Intent
	var status string
	var ref sql.NullString
	if err := sc.Scan(&in.ID, &in.OrderID, &in.Provider, &status, &in.AmountCents, &in.Currency, &ref, &in.ExpiresAt, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.Status = Status(status)
	in.ProviderRef = ref.String
	return &in, nil
}

// PostgresEventStore implements EventStore on processed_payment_events.
type PostgresEventStore struct {
	q database.Querier
}

func NewPostgresEventStore(q database.Querier) *PostgresEventStore {
	return &PostgresEventStore{q: q}
}

func (s *PostgresEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, "SELECT 1 FROM processed_payment_events WHERE event_id = $1", eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("payment: check event: %w", err)
	}
	return true, nil
}

func (s *PostgresEventStore) Record(ctx context.Context, eventID, orderID string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO processed_payment_events (event_id, order_id, processed_at) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING",
		eventID, orderID, at)
	if err != nil {
		return false, fmt.Errorf("payment: record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment: record event: %w", err)
	}
	return n == 1, nil
}
