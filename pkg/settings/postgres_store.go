package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresStore implements Store on the store_config table.
type PostgresStore struct {
	q database.Querier
}

func NewPostgresStore(q database.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT key, value, version, updated_at FROM store_config WHERE key = $1", key)
	var e Entry
	var raw []byte
	err := row.Scan(&e.Key, &raw, &e.Version, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settings: get %s: %w", key, err)
	}
	e.Value = json.RawMessage(raw)
	return &e, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value json.RawMessage) (*Entry, error) {
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO store_config (key, value, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = store_config.version + 1,
			updated_at = NOW()
		RETURNING version, updated_at`,
		key, []byte(value))
	e := Entry{Key: key, Value: value}
	if err := row.Scan(&e.Version, &e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("settings: put %s: %w", key, err)
	}
	return &e, nil
}

func (s *PostgresStore) CompareAndPut(ctx context.Context, key string, value json.RawMessage, expected int64) (*Entry, error) {
	var row *sql.Row
	if expected == 0 {
		row = s.q.QueryRowContext(ctx, `
			INSERT INTO store_config (key, value, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (key) DO NOTHING
			RETURNING version, updated_at`,
			key, []byte(value))
	} else {
		row = s.q.QueryRowContext(ctx, `
			UPDATE store_config SET value = $2, version = version + 1, updated_at = NOW()
			WHERE key = $1 AND version = $3
			RETURNING version, updated_at`,
			key, []byte(value), expected)
	}
	e := Entry{Key: key, Value: value}
	err := row.Scan(&e.Version, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("settings: compare-and-put %s: %w", key, err)
	}
	return &e, nil
}
