// Package notify is the durable outbound email queue. Messages are
// enqueued inside the business transaction that caused them and delivered
// later by a polling worker with bounded retries.
package notify

import (
	"context"
	"errors"
	"time"
)

// Status of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Queue defaults.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Minute
	DefaultBatchSize   = 10
	DefaultLease       = 2 * time.Minute
	DefaultSentTTL     = 30 * 24 * time.Hour
)

// Message is one queued email.
type Message struct {
	ID          string     `json:"id"`
	To          string     `json:"to"`
	Subject     string     `json:"subject"`
	HTML        string     `json:"-"`
	Template    string     `json:"template"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LastError   string     `json:"last_error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Stats summarizes the queue.
type Stats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

var ErrNotFound = errors.New("notify: message not found")

// Enqueuer accepts new messages. Order and approval flows depend only on this.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *Message) error
}

// Store is the full queue.
type Store interface {
	Enqueuer
	// Claim leases up to limit due pending messages by pushing their
	// scheduled_at to now+lease, so concurrent workers never pick the same row.
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkRetry records a failed attempt and reschedules.
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error
	// MarkFailed moves a message to the dead-letter state.
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
	DeadLetters(ctx context.Context, limit int) ([]Message, error)
	// Retry resets a dead-lettered message to pending with zero attempts.
	Retry(ctx context.Context, id string, at time.Time) error
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Email is what a Sender delivers.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, e Email) error
}
