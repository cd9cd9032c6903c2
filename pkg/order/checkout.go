package order

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/catalog"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/observability"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
)

// CheckoutLine is one requested line. UnitPriceCents is the price the
// client displayed; zero skips the price check.
type CheckoutLine struct {
	VariantID      string `json:"variant_id"`
	WarehouseID    string `json:"warehouse_id,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents,omitempty"`
}

// CheckoutRequest places an order.
type CheckoutRequest struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Customer       Customer       `json:"customer"`
	Shipping       Shipping       `json:"shipping"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	Lines          []CheckoutLine `json:"lines"`
}

// CheckoutResult is the placed order. RedirectURL is set for online
// payment methods. Replayed is true when the idempotency key matched an
// existing order.
type CheckoutResult struct {
	Order       *Order        `json:"order"`
	Review      *fraud.Review `json:"fraud_review,omitempty"`
	RedirectURL string        `json:"redirect_url,omitempty"`
	Replayed    bool          `json:"replayed,omitempty"`
}

// priceTolerance absorbs rounding in client-side price display.
const priceTolerance = 1

// Checkout validates the request, reprices it from the catalog, scores it
// and then, in one transaction, creates the order, reserves every line,
// stores the fraud review and creates the payment intent or the cash
// order's confirmation email. Any failing line aborts the whole order.
// The gateway is called after commit; if it fails the order is cancelled
// and *PaymentInitFailedError is returned.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (res *CheckoutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout", trace.WithAttributes(
		attribute.String("order.payment_method", string(req.PaymentMethod)),
		attribute.Int("order.lines", len(req.Lines)),
	))
	defer func() {
		if res != nil && res.Order != nil {
			span.SetAttributes(
				attribute.String("order.id", res.Order.ID),
				attribute.Bool("order.replayed", res.Replayed),
			)
		}
		observability.EndSpan(span, err)
	}()
	return s.checkout(ctx, req)
}

func (s *Service) checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := s.gate.RequireFeature(ctx, killswitch.FlagCheckout); err != nil {
		return nil, err
	}
	if err := validate(&req); err != nil {
		return nil, err
	}
	if err := s.gate.RequirePaymentMethod(ctx, string(req.PaymentMethod)); err != nil {
		return nil, err
	}
	if !req.PaymentMethod.Cash() && s.gateway == nil {
		return nil, &killswitch.FeatureDisabledError{Flag: killswitch.FlagPayments}
	}

	reader := s.repo.Reader()
	if req.IdempotencyKey != "" {
		if res, err := s.replay(ctx, req.IdempotencyKey); err == nil || !errors.Is(err, ErrNotFound) {
			return res, err
		}
	}

	now := s.clock()
	o := &Order{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Customer:       req.Customer,
		Shipping:       req.Shipping,
		PaymentMethod:  req.PaymentMethod,
		Status:         StatusPending,
		Currency:       s.currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.price(ctx, o, req.Lines); err != nil {
		return nil, err
	}

	features, err := s.features(ctx, reader, o, now)
	if err != nil {
		return nil, err
	}
	assessment := s.scorer.Score(features)
	score := assessment.Score
	o.RiskScore = &score
	review := fraud.ReviewFor(o.ID, assessment, now)

	var intent *payment.Intent
	err = s.repo.InTx(ctx, func(tx Tx) error {
		if err := tx.Orders.Create(ctx, o); err != nil {
			return err
		}
		for _, it := range o.Items {
			if err := tx.Ledger.Reserve(ctx, it.WarehouseID, it.VariantID, it.Quantity); err != nil {
				if errors.Is(err, inventory.ErrNotFound) {
					return &inventory.InsufficientStockError{WarehouseID: it.WarehouseID, VariantID: it.VariantID, Requested: it.Quantity}
				}
				return err
			}
		}
		if review != nil {
			if err := tx.Reviews.Create(ctx, review); err != nil {
				return err
			}
		}
		if err := tx.Orders.AppendHistory(ctx, HistoryEntry{
			OrderID: o.ID, To: StatusPending,
			ActorID: o.Customer.Email, ActorRole: RoleCustomer,
			Reason: "checkout", At: now,
		}); err != nil {
			return err
		}
		if o.PaymentMethod.Cash() {
			return s.enqueue(ctx, tx, notify.KindOrderConfirmation, o)
		}
		intent = &payment.Intent{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			Provider:    s.gateway.Name(),
			Status:      payment.StatusPending,
			AmountCents: o.TotalCents,
			Currency:    o.Currency,
			ExpiresAt:   now.Add(s.intentTTL),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.Intents.Create(ctx, intent)
	})
	if errors.Is(err, ErrDuplicateKey) {
		return s.replay(ctx, req.IdempotencyKey)
	}
	if err != nil {
		if inventory.IsInsufficientStock(err) {
			s.metrics.RecordReservation(ctx, false)
		}
		return nil, err
	}
	s.metrics.RecordReservation(ctx, true)
	s.logger.InfoContext(ctx, "order placed",
		"order_id", o.ID, "method", o.PaymentMethod, "total_cents", o.TotalCents,
		"risk_score", score, "risk_level", assessment.Level)

	res := &CheckoutResult{Order: o, Review: review}
	if intent == nil {
		return res, nil
	}

	redirect, err := s.gateway.Initiate(ctx, payment.InitiateRequest{
		IntentID:      intent.ID,
		OrderID:       o.ID,
		Method:        string(o.PaymentMethod),
		AmountCents:   o.TotalCents,
		Currency:      o.Currency,
		CustomerName:  o.Customer.Name,
		CustomerEmail: o.Customer.Email,
		CustomerPhone: o.Customer.Phone,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "payment initiation failed", "order_id", o.ID, "error", err)
		if _, cerr := s.Cancel(ctx, o.ID, System, "payment initiation failed"); cerr != nil {
			s.logger.ErrorContext(ctx, "cancel after payment failure", "order_id", o.ID, "error", cerr)
		}
		return nil, &PaymentInitFailedError{OrderID: o.ID, Err: err}
	}
	if redirect.ProviderRef != "" {
		if err := reader.Intents.SetProviderRef(ctx, intent.ID, redirect.ProviderRef, s.clock()); err != nil {
			s.logger.WarnContext(ctx, "store provider reference", "order_id", o.ID, "error", err)
		}
	}
	res.RedirectURL = redirect.URL
	return res, nil
}

func (s *Service) replay(ctx context.Context, key string) (*CheckoutResult, error) {
	r := s.repo.Reader()
	o, err := r.Orders.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	review, err := r.Reviews.Get(ctx, o.ID)
	if err != nil && !errors.Is(err, fraud.ErrNotFound) {
		return nil, err
	}
	return &CheckoutResult{Order: o, Review: review, Replayed: true}, nil
}

// price builds the item snapshots from the catalog and totals the order.
func (s *Service) price(ctx context.Context, o *Order, lines []CheckoutLine) error {
	for i, l := range lines {
		v, err := s.catalog.Variant(ctx, l.VariantID)
		if errors.Is(err, catalog.ErrNotFound) {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].variant_id", i), Reason: "unknown variant"}
		}
		if err != nil {
			return err
		}
		if !v.Active {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].variant_id", i), Reason: "variant is not for sale"}
		}
		if l.UnitPriceCents != 0 && abs(l.UnitPriceCents-v.PriceCents) > priceTolerance {
			return &PriceChangedError{VariantID: v.ID, ExpectedCents: v.PriceCents, GotCents: l.UnitPriceCents}
		}
		warehouse := l.WarehouseID
		if warehouse == "" {
			warehouse = s.warehouse
		}
		it := Item{
			Line:           i + 1,
			VariantID:      v.ID,
			WarehouseID:    warehouse,
			SKU:            v.SKU,
			Name:           v.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: v.PriceCents,
		}
		o.Items = append(o.Items, it)
		o.TotalCents += it.SubtotalCents()
	}
	return nil
}

func (s *Service) features(ctx context.Context, r Tx, o *Order, now time.Time) (fraud.Features, error) {
	stats, err := r.Orders.CustomerStats(ctx, o.Customer.Email, now.Add(-24*time.Hour))
	if err != nil {
		return fraud.Features{}, err
	}
	profile, err := r.Profiles.Profile(ctx, o.Customer.Email)
	if err != nil {
		return fraud.Features{}, err
	}
	f := fraud.Features{
		CustomerEmail:  o.Customer.Email,
		ShippingCity:   o.Shipping.City,
		CashOnDelivery: o.PaymentMethod.Cash(),
		TotalCents:     o.TotalCents,
		PlacedAt:       now,
		History: fraud.History{
			PriorOrders:  stats.PriorOrders,
			RecentOrders: stats.RecentOrders,
			PriorReturns: profile.ReturnCount,
			RiskScore:    profile.RiskScore,
		},
	}
	for _, it := range o.Items {
		f.Lines = append(f.Lines, fraud.Line{Name: it.Name, Quantity: it.Quantity})
	}
	return f, nil
}

func validate(req *CheckoutRequest) error {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Email = strings.ToLower(strings.TrimSpace(req.Customer.Email))
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.Shipping.Address = strings.TrimSpace(req.Shipping.Address)
	req.Shipping.City = strings.TrimSpace(req.Shipping.City)

	switch {
	case len(req.Lines) == 0:
		return &ValidationError{Field: "lines", Reason: "cart is empty"}
	case req.Customer.Name == "":
		return &ValidationError{Field: "customer.name", Reason: "required"}
	case req.Customer.Phone == "":
		return &ValidationError{Field: "customer.phone", Reason: "required"}
	case req.Shipping.Address == "":
		return &ValidationError{Field: "shipping.address", Reason: "required"}
	case req.Shipping.City == "":
		return &ValidationError{Field: "shipping.city", Reason: "required"}
	case !req.PaymentMethod.Valid():
		return &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown method %q", req.PaymentMethod)}
	}
	if _, err := mail.ParseAddress(req.Customer.Email); err != nil {
		return &ValidationError{Field: "customer.email", Reason: "invalid address"}
	}
	for i, l := range req.Lines {
		if l.VariantID == "" {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].variant_id", i), Reason: "required"}
		}
		if l.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be positive"}
		}
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
