// Package settings is a versioned key-value store for operational
// configuration such as kill switches and reconciliation diagnostics.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Well-known keys.
const (
	KeyKillSwitches         = "system_kill_switches"
	KeyReconciliationIssues = "reconciliation_issues"
	KeyLastReconciliation   = "last_reconciliation"
)

var (
	ErrNotFound        = errors.New("settings: key not found")
	ErrVersionConflict = errors.New("settings: version conflict")
)

// Entry is one stored value. Version starts at 1 and increments on every write.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Put writes unconditionally.
	Put(ctx context.Context, key string, value json.RawMessage) (*Entry, error)
	// CompareAndPut writes only when the stored version equals expected.
	// expected == 0 means the key must not exist yet.
	CompareAndPut(ctx context.Context, key string, value json.RawMessage, expected int64) (*Entry, error)
}

// GetJSON decodes the value stored under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (*Entry, error) {
	e, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return e, err
	}
	return e, nil
}

// PutJSON encodes v and writes it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) (*Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.Put(ctx, key, raw)
}
