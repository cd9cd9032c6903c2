package order

import (
	"context"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// Store persists orders and their status history.
type Store interface {
	// Create inserts the order and its items. It returns ErrDuplicateKey
	// when the idempotency key is already used.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// UpdateStatus moves the order from one status to another and returns
	// ErrStale when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) error
	AppendHistory(ctx context.Context, h HistoryEntry) error
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	// CustomerStats counts the customer's orders placed before now and
	// since the given instant.
	CustomerStats(ctx context.Context, email string, since time.Time) (CustomerStats, error)
	// ListOrphaned returns non-cash pending orders created before the
	// cutoff that have no payment intent and sort after the cursor, ordered
	// by (created_at, id).
	ListOrphaned(ctx context.Context, before time.Time, after database.Cursor, limit int) ([]Order, error)
	// ListStuckPaid returns paid orders last updated before the cutoff.
	ListStuckPaid(ctx context.Context, before time.Time, limit int) ([]Order, error)
}
