package fraud

import (
	"context"
	"time"
)

// ReviewStore persists reviews.
type ReviewStore interface {
	Create(ctx context.Context, r *Review) error
	Get(ctx context.Context, orderID string) (*Review, error)
	// Resolve decides a pending review. It returns ErrNotPending when the
	// review was already decided.
	Resolve(ctx context.Context, orderID string, status ReviewStatus, reviewer, note string, at time.Time) error
	// ListPending returns blocking reviews awaiting a decision, highest score first.
	ListPending(ctx context.Context, limit int) ([]Review, error)
}

// Profile is the accumulated risk knowledge about one customer.
type Profile struct {
	Email       string    `json:"email"`
	RiskScore   int       `json:"risk_score"`
	ReturnCount int       `json:"return_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileStore persists customer risk profiles.
type ProfileStore interface {
	// Profile returns a zero profile for unknown customers.
	Profile(ctx context.Context, email string) (Profile, error)
	// RecordConfirmedFraud raises the customer's risk score by delta, capped at 100.
	RecordConfirmedFraud(ctx context.Context, email string, delta int, at time.Time) error
}

// ConfirmedFraudPenalty is added to a customer's risk score when an
// operator rejects one of their orders.
const ConfirmedFraudPenalty = 35
