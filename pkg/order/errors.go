package order

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("order: not found")
	// ErrStale is returned by Store.UpdateStatus when the stored status is
	// not the expected one.
	ErrStale = errors.New("order: status changed concurrently")
	// ErrDuplicateKey is returned by Store.Create for a reused idempotency key.
	ErrDuplicateKey = errors.New("order: duplicate idempotency key")
)

// StateConflictError reports a transition attempted from an unexpected status.
type StateConflictError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *StateConflictError) Code() string { return "STATE_CONFLICT" }

// ForbiddenError reports an actor whose role does not permit the action.
type ForbiddenError struct {
	Actor  Actor
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("order: %s %q may not %s", e.Actor.Role, e.Actor.ID, e.Action)
}

func (e *ForbiddenError) Code() string { return "FORBIDDEN" }

// ReviewPendingError reports an order held by a blocking fraud review.
type ReviewPendingError struct {
	OrderID string
}

func (e *ReviewPendingError) Error() string {
	return fmt.Sprintf("order %s: held for fraud review", e.OrderID)
}

func (e *ReviewPendingError) Code() string { return "REVIEW_PENDING" }

// PriceChangedError reports a client price that no longer matches the catalog.
type PriceChangedError struct {
	VariantID     string
	ExpectedCents int64
	GotCents      int64
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("order: price of %s changed: now %d, got %d", e.VariantID, e.ExpectedCents, e.GotCents)
}

func (e *PriceChangedError) Code() string { return "PRICE_CHANGED" }

// ValidationError reports invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return "VALIDATION_FAILED" }

// PaymentInitFailedError reports a gateway failure after the order was
// created. The order has already been cancelled when this is returned.
type PaymentInitFailedError struct {
	OrderID string
	Err     error
}

func (e *PaymentInitFailedError) Error() string {
	return fmt.Sprintf("order %s: payment initiation failed: %v", e.OrderID, e.Err)
}

func (e *PaymentInitFailedError) Unwrap() error { return e.Err }

func (e *PaymentInitFailedError) Code() string { return "PAYMENT_INIT_FAILED" }
