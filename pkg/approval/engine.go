package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of submitting an action.
type Decision struct {
	// Required is false when no rule matched; the caller may proceed.
	Required     bool     `json:"required"`
	Rule         *Rule    `json:"rule,omitempty"`
	Request      *Request `json:"request,omitempty"`
	Deduplicated bool     `json:"deduplicated,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// Engine matches actions against rules and drives requests through
// pending, approved and rejected.
type Engine struct {
	store  Store
	codec  *Codec
	eval   *evaluator
	rules  []Rule
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine compiles every rule up front so a bad rule fails at startup.
func NewEngine(store Store, rules []Rule, opts ...Option) (*Engine, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	ev, err := newEvaluator()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.ID == "" || r.EntityType == "" {
			return nil, fmt.Errorf("approval: rule needs id and entity_type")
		}
		expr, err := r.CEL()
		if err != nil {
			return nil, err
		}
		if _, err := ev.program(expr); err != nil {
			return nil, fmt.Errorf("approval: rule %s: %w", r.ID, err)
		}
	}
	e := &Engine{
		store:  store,
		codec:  codec,
		eval:   ev,
		rules:  sortRules(rules),
		clock:  time.Now,
		logger: slog.Default().With("component", "approval"),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Codec returns the engine's action codec.
func (e *Engine) Codec() *Codec { return e.codec }

// Rules returns the active rules in evaluation order.
func (e *Engine) Rules() []Rule {
	var out []Rule
	for _, r := range e.rules {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}

// CheckApprovalRequired returns the highest-priority enabled rule that
// matches a, or nil when the action may proceed. A rule that fails to
// evaluate counts as matching.
func (e *Engine) CheckApprovalRequired(ctx context.Context, a Action) (*Rule, error) {
	input, err := celInput(a)
	if err != nil {
		return nil, err
	}
	for i := range e.rules {
		r := e.rules[i]
		if r.Disabled || r.EntityType != a.EntityType() {
			continue
		}
		if r.ActionType != "" && r.ActionType != a.Type() {
			continue
		}
		expr, err := r.CEL()
		if err != nil {
			return nil, err
		}
		ok, err := e.eval.eval(expr, input)
		if err != nil {
			e.logger.WarnContext(ctx, "rule evaluation failed, requiring approval", "rule", r.ID, "error", err)
			return &r, nil
		}
		if ok {
			return &r, nil
		}
	}
	return nil, nil
}

func celInput(a Action) (map[string]any, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("approval: encode action: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("approval: encode action: %w", err)
	}
	return map[string]any{
		"amount": a.Amount(),
		"type":   string(a.Type()),
		"action": payload,
	}, nil
}

// Submit decodes env at the boundary and requests approval for it.
func (e *Engine) Submit(ctx context.Context, env Envelope, requestedBy string) (*Decision, error) {
	a, err := e.codec.Decode(env)
	if err != nil {
		return nil, err
	}
	return e.RequestApproval(ctx, a, requestedBy)
}

// RequestApproval persists a pending request when a rule matches. An
// identical pending request for the same entity is returned instead of a
// new one.
func (e *Engine) RequestApproval(ctx context.Context, a Action, requestedBy string) (*Decision, error) {
	if requestedBy == "" {
		return nil, &InvalidActionError{Reason: "requested_by is required"}
	}
	rule, err := e.CheckApprovalRequired(ctx, a)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return &Decision{}, nil
	}
	env, err := e.codec.Encode(a)
	if err != nil {
		return nil, err
	}
	entityID := entityIDOf(a)
	hash, err := Hash(entityID, env)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.FindPendingByHash(ctx, hash)
	if err == nil {
		return &Decision{Required: true, Rule: rule, Request: existing, Deduplicated: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := e.clock()
	req := &Request{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		EntityType:  a.EntityType(),
		EntityID:    entityID,
		Action:      env,
		ActionHash:  hash,
		Status:      StatusPending,
		RequiresTwo: rule.RequiresTwo,
		AutoApprove: rule.AutoApprove,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, ferr := e.store.FindPendingByHash(ctx, hash)
			if ferr != nil {
				return nil, ferr
			}
			return &Decision{Required: true, Rule: rule, Request: existing, Deduplicated: true}, nil
		}
		return nil, err
	}
	e.logger.InfoContext(ctx, "approval requested", "request_id", req.ID, "rule", rule.ID, "action", a.Type(), "requested_by", requestedBy)
	return &Decision{Required: true, Rule: rule, Request: req}, nil
}

// Approve records approver's sign-off. Dual-approval requests stay
// pending until a second, different approver signs.
func (e *Engine) Approve(ctx context.Context, id, approver string) (*Request, error) {
	if approver == "" {
		return nil, &InvalidActionError{Reason: "approver is required"}
	}
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, &ConflictError{RequestID: id, Status: req.Status, Reason: "only pending requests can be approved"}
	}
	if approver == req.RequestedBy && !req.AutoApprove {
		return nil, &SelfApprovalError{RequestID: id, Actor: approver}
	}

	step := StepSole
	if req.RequiresTwo {
		switch req.ApprovedBy {
		case "":
			step = StepFirst
		case approver:
			return nil, &DuplicateApprovalError{RequestID: id, Actor: approver}
		default:
			step = StepSecond
		}
	}

	if err := e.store.RecordApproval(ctx, id, approver, step, e.clock()); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, &ConflictError{RequestID: id, Status: req.Status, Reason: "request changed concurrently"}
		}
		return nil, err
	}
	out, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "approval recorded", "request_id", id, "approver", approver, "status", out.Status)
	return out, nil
}

// Reject finalizes a pending request. One rejection is always enough.
func (e *Engine) Reject(ctx context.Context, id, rejector, reason string) (*Request, error) {
	if rejector == "" {
		return nil, &InvalidActionError{Reason: "rejector is required"}
	}
	if err := e.store.Reject(ctx, id, rejector, reason, e.clock()); err != nil {
		if errors.Is(err, ErrStale) {
			req, gerr := e.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &ConflictError{RequestID: id, Status: req.Status, Reason: "only pending requests can be rejected"}
		}
		return nil, err
	}
	e.logger.InfoContext(ctx, "approval rejected", "request_id", id, "rejector", rejector)
	return e.store.Get(ctx, id)
}

// Authorize returns the typed action of an approved, unexecuted request.
func (e *Engine) Authorize(ctx context.Context, id string) (Action, *Request, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != StatusApproved {
		return nil, req, &ConflictError{RequestID: id, Status: req.Status, Reason: "request is not approved"}
	}
	if req.ExecutedAt != nil {
		return nil, req, &ConflictError{RequestID: id, Status: req.Status, Reason: "request already executed"}
	}
	a, err := e.codec.Decode(req.Action)
	if err != nil {
		return nil, req, err
	}
	return a, req, nil
}

// MarkExecuted records that the approved action ran. It succeeds once.
func (e *Engine) MarkExecuted(ctx context.Context, id string) error {
	err := e.store.MarkExecuted(ctx, id, e.clock())
	if errors.Is(err, ErrStale) {
		return &ConflictError{RequestID: id, Status: StatusApproved, Reason: "request is not executable"}
	}
	return err
}

// Execute authorizes id, runs fn with its action and marks it executed.
// A failing fn leaves the request approved so it can be retried.
func (e *Engine) Execute(ctx context.Context, id string, fn func(context.Context, Action) error) (*Request, error) {
	a, _, err := e.Authorize(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, a); err != nil {
		return nil, fmt.Errorf("approval: execute %s: %w", id, err)
	}
	if err := e.MarkExecuted(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, id)
}

func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) ListPending(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.ListPending(ctx, limit)
}
