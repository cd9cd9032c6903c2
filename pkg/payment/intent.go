// Package payment tracks gateway payment intents and verifies gateway
// notifications.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// Status of an intent. Only pending intents move; the other states are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// DefaultIntentTTL is how long a customer has to complete an online payment.
const DefaultIntentTTL = 30 * time.Minute

// Intent is one attempt to collect payment for an order through a gateway.
type Intent struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Provider    string    `json:"provider"`
	Status      Status    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Expired reports whether a pending intent is past its deadline.
func (i *Intent) Expired(now time.Time) bool {
	return i.Status == StatusPending && now.After(i.ExpiresAt)
}

var (
	ErrNotFound = errors.New("payment: intent not found")
	// ErrStale is returned by Transition when the intent is no longer in
	// the expected state.
	ErrStale = errors.New("payment: intent state changed concurrently")
)

// IntentStore persists intents.
type IntentStore interface {
	Create(ctx context.Context, in *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	GetByOrder(ctx context.Context, orderID string) (*Intent, error)
	// Transition moves an intent from one status to another. It returns
	// ErrStale when the stored status is not from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) error
	SetProviderRef(ctx context.Context, id, ref string, at time.Time) error
	// ListExpired returns pending intents whose deadline is before now and
	// that sort after the cursor, ordered by (expires_at, id).
	ListExpired(ctx context.Context, now time.Time, after database.Cursor, limit int) ([]Intent, error)
}

// EventStore records processed gateway notifications.
type EventStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// Record stores the event. It reports false when the event was already recorded.
	Record(ctx context.Context, eventID, orderID string, at time.Time) (bool, error)
}
