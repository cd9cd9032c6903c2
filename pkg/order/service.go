package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/catalog"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/observability"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
)

// Gate is the part of the kill-switch gate the service consults.
type Gate interface {
	RequireFeature(ctx context.Context, flag killswitch.Flag) error
	RequirePaymentMethod(ctx context.Context, method string) error
	IsEnabled(ctx context.Context, flag killswitch.Flag) bool
}

// Metrics receives lifecycle events. The zero implementation drops them.
type Metrics interface {
	RecordReservation(ctx context.Context, accepted bool)
	RecordTransition(ctx context.Context, from, to string)
}

type noopMetrics struct{}

func (noopMetrics) RecordReservation(context.Context, bool)          {}
func (noopMetrics) RecordTransition(context.Context, string, string) {}

// DefaultWarehouse is used for lines that do not name one.
const DefaultWarehouse = "main"

// Service applies checkout and lifecycle operations.
type Service struct {
	repo     Repository
	catalog  catalog.Catalog
	gate     Gate
	scorer   *fraud.Scorer
	composer *notify.Composer
	gateway  payment.Gateway

	intentTTL time.Duration
	currency  string
	warehouse string
	metrics   Metrics
	clock     func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithGateway sets the gateway used for online payment methods.
func WithGateway(g payment.Gateway) Option { return func(s *Service) { s.gateway = g } }

// WithIntentTTL overrides payment.DefaultIntentTTL.
func WithIntentTTL(ttl time.Duration) Option { return func(s *Service) { s.intentTTL = ttl } }

// WithCurrency sets the currency of new orders.
func WithCurrency(code string) Option { return func(s *Service) { s.currency = code } }

// WithDefaultWarehouse sets the warehouse for lines that do not name one.
func WithDefaultWarehouse(id string) Option { return func(s *Service) { s.warehouse = id } }

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// NewService wires the lifecycle service.
func NewService(repo Repository, cat catalog.Catalog, gate Gate, scorer *fraud.Scorer, composer *notify.Composer, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		catalog:   cat,
		gate:      gate,
		scorer:    scorer,
		composer:  composer,
		intentTTL: payment.DefaultIntentTTL,
		currency:  "EGP",
		warehouse: DefaultWarehouse,
		metrics:   noopMetrics{},
		clock:     time.Now,
		logger:    slog.Default().With("component", "order"),
		tracer:    observability.Tracer("order"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Reader().Orders.Get(ctx, id)
}

// Details is an order with its review, intent and history.
type Details struct {
	Order   *Order          `json:"order"`
	Review  *fraud.Review   `json:"fraud_review,omitempty"`
	Intent  *payment.Intent `json:"payment_intent,omitempty"`
	History []HistoryEntry  `json:"history"`
}

// Details loads everything known about one order.
func (s *Service) Details(ctx context.Context, id string) (*Details, error) {
	r := s.repo.Reader()
	o, err := r.Orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Details{Order: o}
	if d.Review, err = r.Reviews.Get(ctx, id); err != nil && !errors.Is(err, fraud.ErrNotFound) {
		return nil, err
	}
	if d.Intent, err = r.Intents.GetByOrder(ctx, id); err != nil && !errors.Is(err, payment.ErrNotFound) {
		return nil, err
	}
	if d.History, err = r.Orders.History(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

// ConfirmPayment marks a pending order paid on behalf of the gateway or a
// courier.
func (s *Service) ConfirmPayment(ctx context.Context, id string, actor Actor) (*Order, error) {
	return s.run(ctx, id, StatusPaid, actor, "payment confirmed", nil)
}

// CollectCash marks a cash-on-delivery order paid.
func (s *Service) CollectCash(ctx context.Context, id string, actor Actor) (*Order, error) {
	return s.run(ctx, id, StatusPaid, actor, "cash collected", func(tx Tx, o *Order) error {
		if !o.PaymentMethod.Cash() {
			return &ValidationError{Field: "payment_method", Reason: "cash collection requires a cash-on-delivery order"}
		}
		return nil
	})
}

// MarkPaidManually lets an operator settle a non-cash order by hand. It is
// gated by the admin_manual_pay switch and settles the pending intent too.
func (s *Service) MarkPaidManually(ctx context.Context, id string, actor Actor, reason string) (*Order, error) {
	if err := s.gate.RequireFeature(ctx, killswitch.FlagAdminManualPay); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "marked paid manually"
	}
	return s.run(ctx, id, StatusPaid, actor, reason, func(tx Tx, o *Order) error {
		if o.PaymentMethod.Cash() {
			return &ValidationError{Field: "payment_method", Reason: "use cash collection for cash-on-delivery orders"}
		}
		return s.settleIntent(ctx, tx, o.ID, payment.StatusSucceeded)
	})
}

// Ship moves a paid order to shipped.
func (s *Service) Ship(ctx context.Context, id string, actor Actor) (*Order, error) {
	return s.run(ctx, id, StatusShipped, actor, "", nil)
}

// Deliver moves a shipped order to delivered.
func (s *Service) Deliver(ctx context.Context, id string, actor Actor) (*Order, error) {
	return s.run(ctx, id, StatusDelivered, actor, "", nil)
}

// Cancel cancels a pending or paid order and releases its reservation.
// A pending payment intent is marked failed.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Order, error) {
	return s.run(ctx, id, StatusCancelled, actor, reason, func(tx Tx, o *Order) error {
		return s.settleIntent(ctx, tx, o.ID, payment.StatusFailed)
	})
}

// run loads the order and applies one transition in a single transaction.
// guard runs after the order is loaded and before anything is written.
func (s *Service) run(ctx context.Context, id string, to Status, actor Actor, reason string, guard func(tx Tx, o *Order) error) (*Order, error) {
	var (
		out  *Order
		from Status
	)
	err := s.repo.InTx(ctx, func(tx Tx) error {
		o, err := tx.Orders.Get(ctx, id)
		if err != nil {
			return err
		}
		from = o.Status
		if guard != nil && CanTransition(o.Status, to) {
			if err := guard(tx, o); err != nil {
				return err
			}
		}
		if err := s.apply(ctx, tx, o, to, actor, reason); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(ctx, string(from), string(to))
	s.logger.InfoContext(ctx, "order transition", "order_id", id, "from", from, "to", to, "actor", actor.ID, "role", actor.Role)
	return out, nil
}

// apply performs one guarded transition inside tx. It checks the edge, the
// actor's role and the fraud hold, writes the status with a compare-and-set,
// releases stock when cancelling, appends history and enqueues the
// customer email. o is updated in place.
func (s *Service) apply(ctx context.Context, tx Tx, o *Order, to Status, actor Actor, reason string) error {
	if !CanTransition(o.Status, to) {
		return &StateConflictError{OrderID: o.ID, From: o.Status, To: to}
	}
	if err := s.authorize(ctx, actor, o, to); err != nil {
		return err
	}
	if to == StatusPaid {
		review, err := tx.Reviews.Get(ctx, o.ID)
		if err != nil && !errors.Is(err, fraud.ErrNotFound) {
			return err
		}
		if review.Holds() {
			return &ReviewPendingError{OrderID: o.ID}
		}
	}

	now := s.clock()
	from := o.Status
	if err := tx.Orders.UpdateStatus(ctx, o.ID, from, to, reason, now); err != nil {
		if errors.Is(err, ErrStale) {
			return &StateConflictError{OrderID: o.ID, From: from, To: to}
		}
		return err
	}
	// Reached only by the caller that won the compare-and-set, so each
	// order releases its stock at most once.
	if to == StatusCancelled {
		for _, it := range o.Items {
			if err := tx.Ledger.Release(ctx, it.WarehouseID, it.VariantID, it.Quantity); err != nil {
				return fmt.Errorf("order %s: release line %d: %w", o.ID, it.Line, err)
			}
		}
		o.CancelReason = reason
		if err := s.dismissReview(ctx, tx, o.ID, actor, reason, now); err != nil {
			return err
		}
	}
	o.Status = to
	o.UpdatedAt = now

	if err := tx.Orders.AppendHistory(ctx, HistoryEntry{
		OrderID: o.ID, From: from, To: to,
		ActorID: actor.ID, ActorRole: actor.Role,
		Reason: reason, At: now,
	}); err != nil {
		return err
	}
	return s.enqueueFor(ctx, tx, o, from)
}

// dismissReview closes a still-pending review of a cancelled order so it
// drops out of the review queue.
func (s *Service) dismissReview(ctx context.Context, tx Tx, orderID string, actor Actor, reason string, now time.Time) error {
	review, err := tx.Reviews.Get(ctx, orderID)
	if errors.Is(err, fraud.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if review.Status != fraud.ReviewPending {
		return nil
	}
	if err := tx.Reviews.Resolve(ctx, orderID, fraud.ReviewDismissed, actor.ID, reason, now); err != nil {
		return fmt.Errorf("order %s: dismiss review: %w", orderID, err)
	}
	return nil
}

// authorize enforces which roles may take each edge.
func (s *Service) authorize(ctx context.Context, actor Actor, o *Order, to Status) error {
	deny := &ForbiddenError{Actor: actor, Action: fmt.Sprintf("move order %s to %s", o.ID, to)}
	switch actor.Role {
	case RoleSystem:
		return nil
	case RoleAdmin:
		if to == StatusPaid && !o.PaymentMethod.Cash() && !s.gate.IsEnabled(ctx, killswitch.FlagAdminManualPay) {
			return deny
		}
		return nil
	case RoleCustomer:
		if to == StatusCancelled && o.Status == StatusPending && o.OwnedBy(actor) {
			return nil
		}
		return deny
	default:
		return deny
	}
}

// settleIntent moves the order's pending intent to status. Orders without
// an intent and intents already settled are left alone.
func (s *Service) settleIntent(ctx context.Context, tx Tx, orderID string, status payment.Status) error {
	in, err := tx.Intents.GetByOrder(ctx, orderID)
	if errors.Is(err, payment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if in.Status != payment.StatusPending {
		return nil
	}
	err = tx.Intents.Transition(ctx, in.ID, payment.StatusPending, status, s.clock())
	if errors.Is(err, payment.ErrStale) {
		return nil
	}
	return err
}

// enqueueFor queues the customer email for the transition just applied.
// Online orders get their confirmation once paid.
func (s *Service) enqueueFor(ctx context.Context, tx Tx, o *Order, from Status) error {
	var kind notify.Kind
	switch o.Status {
	case StatusPaid:
		kind = notify.KindPaymentReceived
	case StatusShipped:
		kind = notify.KindOrderShipped
	case StatusDelivered:
		kind = notify.KindOrderDelivered
	case StatusCancelled:
		kind = notify.KindOrderCancelled
	default:
		return nil
	}
	if err := s.enqueue(ctx, tx, kind, o); err != nil {
		return err
	}
	if o.Status == StatusPaid && from == StatusPending && !o.PaymentMethod.Cash() {
		return s.enqueue(ctx, tx, notify.KindOrderConfirmation, o)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx Tx, kind notify.Kind, o *Order) error {
	if s.composer == nil || o.Customer.Email == "" {
		return nil
	}
	m, err := s.composer.Compose(kind, view(o))
	if err != nil {
		return err
	}
	return tx.Outbox.Enqueue(ctx, m)
}

func view(o *Order) notify.OrderView {
	v := notify.OrderView{
		OrderID:       o.ID,
		CustomerName:  o.Customer.Name,
		CustomerEmail: o.Customer.Email,
		Currency:      o.Currency,
		TotalCents:    o.TotalCents,
		PaymentMethod: string(o.PaymentMethod),
		Reason:        o.CancelReason,
	}
	for _, it := range o.Items {
		v.Lines = append(v.Lines, notify.LineView{Name: it.Name, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents})
	}
	return v
}
