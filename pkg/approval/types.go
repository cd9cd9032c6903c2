// Package approval gates sensitive actions behind rule-matched human
// approval. It never executes an action itself: callers ask whether an
// action needs approval, submit a request, and execute only after
// Authorize succeeds.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of a request. Approved and rejected are final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is one approval request.
type Request struct {
	ID               string     `json:"id"`
	RuleID           string     `json:"rule_id"`
	EntityType       string     `json:"entity_type"`
	EntityID         string     `json:"entity_id"`
	Action           Envelope   `json:"action"`
	ActionHash       string     `json:"action_hash"`
	Status           Status     `json:"status"`
	RequiresTwo      bool       `json:"requires_two"`
	AutoApprove      bool       `json:"auto_approve"`
	RequestedBy      string     `json:"requested_by"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	SecondApprovedBy string     `json:"second_approved_by,omitempty"`
	RejectedBy       string     `json:"rejected_by,omitempty"`
	RejectReason     string     `json:"reject_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
}

// Step is the kind of approval being recorded.
type Step int

const (
	// StepSole finalizes a single-approver request.
	StepSole Step = iota
	// StepFirst records the first of two approvals.
	StepFirst
	// StepSecond records a distinct second approval and finalizes.
	StepSecond
)

// Store persists requests. Every mutation is guarded on the current state
// and returns ErrStale when the guard does not hold.
type Store interface {
	// Create returns ErrDuplicate when a pending request with the same
	// action hash exists.
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	FindPendingByHash(ctx context.Context, hash string) (*Request, error)
	RecordApproval(ctx context.Context, id, approver string, step Step, at time.Time) error
	Reject(ctx context.Context, id, rejector, reason string, at time.Time) error
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	ListPending(ctx context.Context, limit int) ([]Request, error)
}

var (
	ErrNotFound  = errors.New("approval: request not found")
	ErrDuplicate = errors.New("approval: duplicate pending request")
	ErrStale     = errors.New("approval: request changed concurrently")
)

// SelfApprovalError is returned when the requester approves their own request.
type SelfApprovalError struct {
	RequestID string
	Actor     string
}

func (e *SelfApprovalError) Error() string {
	return fmt.Sprintf("approval: %s cannot approve own request %s", e.Actor, e.RequestID)
}

func (e *SelfApprovalError) Code() string { return "SELF_APPROVAL" }

// DuplicateApprovalError is returned when the first approver approves again.
type DuplicateApprovalError struct {
	RequestID string
	Actor     string
}

func (e *DuplicateApprovalError) Error() string {
	return fmt.Sprintf("approval: %s already approved request %s", e.Actor, e.RequestID)
}

func (e *DuplicateApprovalError) Code() string { return "DUPLICATE_APPROVAL" }

// ConflictError is returned when a request is not in the state an
// operation needs.
type ConflictError struct {
	RequestID string
	Status    Status
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("approval: request %s is %s: %s", e.RequestID, e.Status, e.Reason)
}

func (e *ConflictError) Code() string { return "STATE_CONFLICT" }

// InvalidActionError is returned for action data that fails its schema.
type InvalidActionError struct {
	Reason string
}

func (e *InvalidActionError) Error() string { return "approval: invalid action: " + e.Reason }

func (e *InvalidActionError) Code() string { return "VALIDATION_FAILED" }
