package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/catalog"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

var admin = Actor{ID: "admin-1", Role: RoleAdmin}

type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGateway) Name() string { return "testpay" }

func (g *fakeGateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Redirect, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &payment.Redirect{URL: "https://pay.example/" + req.IntentID, ProviderRef: "ref-" + req.OrderID}, nil
}

type fixture struct {
	repo *MemoryRepository
	cat  *catalog.MemoryCatalog
	gate *killswitch.Gate
	gw   *fakeGateway
	svc  *Service
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{repo: NewMemoryRepository(), gw: &fakeGateway{}, now: t0}
	f.cat = catalog.NewMemoryCatalog(
		catalog.Variant{ID: "v-mug", ProductID: "p-mug", Name: "Mug", SKU: "MUG", PriceCents: 10000, Currency: "EGP", Active: true},
		catalog.Variant{ID: "v-cap", ProductID: "p-cap", Name: "Cap", SKU: "CAP", PriceCents: 5000, Currency: "EGP", Active: true},
		catalog.Variant{ID: "v-old", ProductID: "p-old", Name: "Old", SKU: "OLD", PriceCents: 100, Currency: "EGP", Active: false},
	)
	require.NoError(t, f.repo.Ledger.Restock(ctx, DefaultWarehouse, "v-mug", 5))
	require.NoError(t, f.repo.Ledger.Restock(ctx, DefaultWarehouse, "v-cap", 5))

	f.gate = killswitch.NewGate(settings.NewMemoryStore())
	_, err := f.gate.Update(ctx, map[killswitch.Flag]bool{killswitch.FlagCard: true}, "test")
	require.NoError(t, err)

	cfg := fraud.DefaultConfig()
	cfg.HighRiskAreas = []string{"Risky City"}
	composer, err := notify.NewComposer(3)
	require.NoError(t, err)

	f.svc = NewService(f.repo, f.cat, f.gate, fraud.NewScorer(cfg), composer,
		WithGateway(f.gw),
		WithClock(func() time.Time { return f.now }))
	return f
}

func request(method PaymentMethod, lines ...CheckoutLine) CheckoutRequest {
	return CheckoutRequest{
		Customer:      Customer{Name: "Mona", Email: "mona@example.com", Phone: "01000000000"},
		Shipping:      Shipping{Address: "1 Nile St", City: "Cairo"},
		PaymentMethod: method,
		Lines:         lines,
	}
}

func (f *fixture) row(t *testing.T, variant string) *inventory.Row {
	t.Helper()
	r, err := f.repo.Ledger.Get(context.Background(), DefaultWarehouse, variant)
	require.NoError(t, err)
	return r
}

func (f *fixture) templates() []string {
	var out []string
	for _, m := range f.repo.Outbox.All() {
		out = append(out, m.Template)
	}
	return out
}

func TestCheckout_CashOrderReservesAndQueuesConfirmation(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Checkout(context.Background(), request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 2, UnitPriceCents: 10000}))
	require.NoError(t, err)

	o := res.Order
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(20000), o.TotalCents)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "MUG", o.Items[0].SKU)
	assert.Equal(t, DefaultWarehouse, o.Items[0].WarehouseID)

	row := f.row(t, "v-mug")
	assert.Equal(t, 3, row.Available)
	assert.Equal(t, 2, row.Reserved)

	// New customer + cash on delivery is informational only.
	require.NotNil(t, res.Review)
	assert.Equal(t, 35, res.Review.Score)
	assert.False(t, res.Review.Blocking)
	assert.Equal(t, fraud.ReviewApproved, res.Review.Status)
	require.NotNil(t, o.RiskScore)
	assert.Equal(t, 35, *o.RiskScore)

	assert.Equal(t, []string{"order_confirmation"}, f.templates())
	assert.Empty(t, res.RedirectURL)
	_, err = f.repo.Intents.GetByOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestCheckout_InsufficientStockCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Ledger.Put(inventory.Row{WarehouseID: DefaultWarehouse, VariantID: "v-cap", Available: 1, OnHand: 1})

	_, err := f.svc.Checkout(ctx, request(MethodCOD,
		CheckoutLine{VariantID: "v-mug", Quantity: 1},
		CheckoutLine{VariantID: "v-cap", Quantity: 2},
	))
	var ise *inventory.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 1, ise.Available)

	assert.Equal(t, 1, f.row(t, "v-cap").Available)
	mug := f.row(t, "v-mug")
	assert.Equal(t, 5, mug.Available, "earlier lines are rolled back")
	assert.Zero(t, mug.Reserved)

	stats, err := f.repo.Orders.CustomerStats(ctx, "mona@example.com", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, stats.PriorOrders)
	assert.Empty(t, f.repo.Outbox.All())
}

func TestCheckout_UnknownWarehouseRowIsInsufficient(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), request(MethodCOD, CheckoutLine{VariantID: "v-mug", WarehouseID: "alex", Quantity: 1}))
	assert.True(t, inventory.IsInsufficientStock(err))
}

func TestCheckout_CardCreatesIntentAndRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 1}))
	require.NoError(t, err)

	in, err := f.repo.Intents.GetByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, in.Status)
	assert.Equal(t, int64(5000), in.AmountCents)
	assert.Equal(t, t0.Add(payment.DefaultIntentTTL), in.ExpiresAt)
	assert.Equal(t, "ref-"+res.Order.ID, in.ProviderRef)
	assert.Equal(t, "https://pay.example/"+in.ID, res.RedirectURL)
	assert.Empty(t, f.repo.Outbox.All(), "online orders are confirmed once paid")
}

func TestCheckout_GatewayFailureCancelsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.err = errors.New("gateway down")

	_, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 2}))
	var pif *PaymentInitFailedError
	require.ErrorAs(t, err, &pif)
	assert.Equal(t, "PAYMENT_INIT_FAILED", pif.Code())

	o, err := f.svc.Get(ctx, pif.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, 5, f.row(t, "v-cap").Available)

	in, err := f.repo.Intents.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, in.Status)
}

func TestCheckout_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 2})
	req.IdempotencyKey = "cart-42"

	first, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 2, f.row(t, "v-mug").Reserved)
}

func TestCheckout_PriceCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1, UnitPriceCents: 9000}))
	var pc *PriceChangedError
	require.ErrorAs(t, err, &pc)
	assert.Equal(t, int64(10000), pc.ExpectedCents)

	res, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1, UnitPriceCents: 10001}))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Order.TotalCents, "catalog price wins")
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	badEmail := request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1})
	badEmail.Customer.Email = "not-an-email"
	noCity := request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1})
	noCity.Shipping.City = "  "

	cases := map[string]CheckoutRequest{
		"empty cart":       request(MethodCOD),
		"zero quantity":    request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 0}),
		"inactive variant": request(MethodCOD, CheckoutLine{VariantID: "v-old", Quantity: 1}),
		"unknown variant":  request(MethodCOD, CheckoutLine{VariantID: "v-none", Quantity: 1}),
		"unknown method":   request(PaymentMethod("barter"), CheckoutLine{VariantID: "v-mug", Quantity: 1}),
		"bad email":        badEmail,
		"missing city":     noCity,
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Checkout(ctx, req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "VALIDATION_FAILED", ve.Code())
		})
	}
	assert.Zero(t, f.row(t, "v-mug").Reserved)
}

func TestCheckout_KillSwitches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var fde *killswitch.FeatureDisabledError
	_, err := f.svc.Checkout(ctx, request(MethodWallet, CheckoutLine{VariantID: "v-mug", Quantity: 1}))
	require.ErrorAs(t, err, &fde)
	assert.Equal(t, killswitch.FlagWallet, fde.Flag)

	_, err = f.gate.Update(ctx, map[killswitch.Flag]bool{killswitch.FlagCheckout: false}, "ops")
	require.NoError(t, err)
	_, err = f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1}))
	require.ErrorAs(t, err, &fde)
	assert.Equal(t, killswitch.FlagCheckout, fde.Flag)
	assert.Zero(t, f.row(t, "v-mug").Reserved)
}

func TestLifecycle_CashOrderToDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1}))
	require.NoError(t, err)
	id := res.Order.ID

	o, err := f.svc.CollectCash(ctx, id, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	_, err = f.svc.Ship(ctx, id, admin)
	require.NoError(t, err)
	o, err = f.svc.Deliver(ctx, id, System)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)

	d, err := f.svc.Details(ctx, id)
	require.NoError(t, err)
	require.Len(t, d.History, 4)
	assert.Equal(t, StatusPending, d.History[0].To)
	assert.Equal(t, StatusDelivered, d.History[3].To)
	assert.Equal(t, "admin-1", d.History[1].ActorID)

	row := f.row(t, "v-mug")
	assert.Equal(t, 1, row.Reserved, "shipping does not touch the ledger")
	assert.ElementsMatch(t, []string{"order_confirmation", "payment_received", "order_shipped", "order_delivered"}, f.templates())
}

func TestLifecycle_RejectsEdgesOutsideGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1}))
	require.NoError(t, err)
	id := res.Order.ID

	var sc *StateConflictError
	_, err = f.svc.Ship(ctx, id, admin)
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, StatusPending, sc.From)
	assert.Equal(t, "STATE_CONFLICT", sc.Code())

	_, err = f.svc.Deliver(ctx, id, admin)
	require.ErrorAs(t, err, &sc)

	_, err = f.svc.Cancel(ctx, id, admin, "customer called")
	require.NoError(t, err)
	_, err = f.svc.CollectCash(ctx, id, admin)
	require.ErrorAs(t, err, &sc)
	_, err = f.svc.Cancel(ctx, id, admin, "again")
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, StatusCancelled, sc.From)
}

func TestCancel_ConcurrentRequestsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 3}))
	require.NoError(t, err)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Cancel(ctx, res.Order.ID, System, "duplicate cancel")
			var sc *StateConflictError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &sc):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), conflicts.Load())
	row := f.row(t, "v-mug")
	assert.Equal(t, 5, row.Available)
	assert.Zero(t, row.Reserved)
}

func TestPolicy_Roles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Actor{ID: "mona@example.com", Role: RoleCustomer}
	stranger := Actor{ID: "eve@example.com", Role: RoleCustomer}

	res, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1}))
	require.NoError(t, err)
	id := res.Order.ID

	var fe *ForbiddenError
	_, err = f.svc.CollectCash(ctx, id, owner)
	require.ErrorAs(t, err, &fe)
	_, err = f.svc.Cancel(ctx, id, stranger, "")
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "FORBIDDEN", fe.Code())

	_, err = f.svc.Cancel(ctx, id, owner, "changed my mind")
	require.NoError(t, err)
}

func TestPolicy_CustomerCannotCancelPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1}))
	require.NoError(t, err)
	_, err = f.svc.CollectCash(ctx, res.Order.ID, admin)
	require.NoError(t, err)

	var fe *ForbiddenError
	_, err = f.svc.Cancel(ctx, res.Order.ID, Actor{ID: "mona@example.com", Role: RoleCustomer}, "")
	require.ErrorAs(t, err, &fe)
	_, err = f.svc.Cancel(ctx, res.Order.ID, admin, "out of stock at warehouse")
	require.NoError(t, err)
	assert.Zero(t, f.row(t, "v-mug").Reserved)
}

func TestMarkPaidManually_NeedsSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 1}))
	require.NoError(t, err)
	id := res.Order.ID

	var fde *killswitch.FeatureDisabledError
	_, err = f.svc.MarkPaidManually(ctx, id, admin, "bank transfer")
	require.ErrorAs(t, err, &fde)

	var fe *ForbiddenError
	_, err = f.svc.CollectCash(ctx, id, admin)
	require.Error(t, err)
	_, err = f.svc.ConfirmPayment(ctx, id, admin)
	require.ErrorAs(t, err, &fe)

	_, err = f.gate.Update(ctx, map[killswitch.Flag]bool{killswitch.FlagAdminManualPay: true}, "ops")
	require.NoError(t, err)
	o, err := f.svc.MarkPaidManually(ctx, id, admin, "bank transfer")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)

	in, err := f.repo.Intents.GetByOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, in.Status)
}

func TestFraudHold_BlocksPaymentUntilApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1})
	req.Shipping.City = "Risky City"

	res, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Review)
	assert.Equal(t, 60, res.Review.Score)
	assert.True(t, res.Review.Blocking)
	id := res.Order.ID

	var rp *ReviewPendingError
	_, err = f.svc.CollectCash(ctx, id, admin)
	require.ErrorAs(t, err, &rp)

	pending, err := f.svc.PendingReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.svc.ApproveReview(ctx, id, System, "")
	var fe *ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, err = f.svc.ApproveReview(ctx, id, admin, "called customer")
	require.NoError(t, err)
	o, err := f.svc.CollectCash(ctx, id, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)

	_, err = f.svc.ApproveReview(ctx, id, admin, "twice")
	assert.ErrorIs(t, err, fraud.ErrNotPending)
}

func TestFraudReject_CancelsAndRaisesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 2})
	req.Shipping.City = "Risky City"
	res, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)

	o, err := f.svc.RejectReview(ctx, res.Order.ID, admin, "fake address")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Zero(t, f.row(t, "v-mug").Reserved)

	p, err := f.repo.Profiles.Profile(ctx, "mona@example.com")
	require.NoError(t, err)
	assert.Equal(t, fraud.ConfirmedFraudPenalty, p.RiskScore)

	r, err := f.repo.Reviews.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.ReviewRejected, r.Status)
	assert.Equal(t, "admin-1", r.ReviewedBy)
}

func TestCancel_DismissesPendingReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cod := request(MethodCOD, CheckoutLine{VariantID: "v-mug", Quantity: 1})
	cod.Shipping.City = "Risky City"
	held, err := f.svc.Checkout(ctx, cod)
	require.NoError(t, err)
	require.True(t, held.Review.Blocking)

	card := request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 1})
	card.Customer.Email = "mona@mailinator.com"
	card.Shipping.City = "Risky City"
	unpaid, err := f.svc.Checkout(ctx, card)
	require.NoError(t, err)
	require.True(t, unpaid.Review.Blocking)

	pending, err := f.svc.PendingReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = f.svc.Cancel(ctx, held.Order.ID, admin, "customer called to cancel")
	require.NoError(t, err)
	in, err := f.repo.Intents.GetByOrder(ctx, unpaid.Order.ID)
	require.NoError(t, err)
	f.now = t0.Add(31 * time.Minute)
	ok, err := f.svc.ExpirePayment(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err = f.svc.PendingReviews(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	r, err := f.repo.Reviews.Get(ctx, held.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.ReviewDismissed, r.Status)
	assert.Equal(t, "admin-1", r.ReviewedBy)
	assert.False(t, r.Holds())
	r, err = f.repo.Reviews.Get(ctx, unpaid.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.ReviewDismissed, r.Status)

	p, err := f.repo.Profiles.Profile(ctx, "mona@example.com")
	require.NoError(t, err)
	assert.Zero(t, p.RiskScore, "dismissal is not a fraud verdict")

	_, err = f.svc.ApproveReview(ctx, held.Order.ID, admin, "too late")
	assert.ErrorIs(t, err, fraud.ErrNotPending)
}

func TestPaymentNotification_SuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 1}))
	require.NoError(t, err)
	txn := payment.Transaction{ID: "txn-1", OrderID: res.Order.ID, AmountCents: 5000, Currency: "EGP", Success: true}

	out, err := f.svc.ApplyPaymentNotification(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, out.Status)
	assert.False(t, out.Duplicate)

	again, err := f.svc.ApplyPaymentNotification(ctx, txn)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	o, err := f.svc.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	in, err := f.repo.Intents.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, in.Status)
	assert.ElementsMatch(t, []string{"payment_received", "order_confirmation"}, f.templates())

	// A second transaction for an already paid order changes nothing.
	out, err = f.svc.ApplyPaymentNotification(ctx, payment.Transaction{ID: "txn-2", OrderID: o.ID, AmountCents: 5000, Success: true})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, out.Status)
	assert.Len(t, f.repo.Outbox.All(), 2)
}

func TestPaymentNotification_FailureCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 2}))
	require.NoError(t, err)

	out, err := f.svc.ApplyPaymentNotification(ctx, payment.Transaction{ID: "txn-9", OrderID: res.Order.ID, AmountCents: 10000, Message: "declined"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, 5, f.row(t, "v-cap").Available)

	o, err := f.svc.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "payment failed: declined", o.CancelReason)
}

func TestPaymentNotification_PendingIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 1}))
	require.NoError(t, err)

	txn := payment.Transaction{ID: "txn-3", OrderID: res.Order.ID, AmountCents: 5000, Pending: true}
	_, err = f.svc.ApplyPaymentNotification(ctx, txn)
	require.NoError(t, err)
	seen, err := f.repo.Events.Seen(ctx, "txn-3")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPaymentNotification_HeldOrderPaidOnApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 1})
	req.Customer.Email = "mona@mailinator.com"
	req.Shipping.City = "Risky City"
	res, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Review.Blocking)

	out, err := f.svc.ApplyPaymentNotification(ctx, payment.Transaction{ID: "txn-h", OrderID: res.Order.ID, AmountCents: 5000, Success: true})
	require.NoError(t, err)
	assert.True(t, out.Held)
	assert.Equal(t, StatusPending, out.Status)

	o, err := f.svc.ApproveReview(ctx, res.Order.ID, admin, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
}

func TestExpirePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, request(MethodCard, CheckoutLine{VariantID: "v-cap", Quantity: 2}))
	require.NoError(t, err)
	in, err := f.repo.Intents.GetByOrder(ctx, res.Order.ID)
	require.NoError(t, err)

	ok, err := f.svc.ExpirePayment(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, ok, "not past its deadline yet")

	f.now = t0.Add(31 * time.Minute)
	ok, err = f.svc.ExpirePayment(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	o, err := f.svc.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, 5, f.row(t, "v-cap").Available)

	ok, err = f.svc.ExpirePayment(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, f.row(t, "v-cap").Available)
}

func TestCancelOrphaned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Ledger.Reserve(ctx, DefaultWarehouse, "v-mug", 1))
	require.NoError(t, f.repo.Orders.Create(ctx, &Order{
		ID: "ord-z", Status: StatusPending, PaymentMethod: MethodCard,
		Items:     []Item{{Line: 1, VariantID: "v-mug", WarehouseID: DefaultWarehouse, Quantity: 1, UnitPriceCents: 10000}},
		CreatedAt: t0.Add(-48 * time.Hour),
	}))

	orphans, err := f.repo.Orders.ListOrphaned(ctx, t0.Add(-24*time.Hour), database.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	ok, err := f.svc.CancelOrphaned(ctx, "ord-z")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.row(t, "v-mug").Reserved)

	ok, err = f.svc.CancelOrphaned(ctx, "ord-z")
	require.NoError(t, err)
	assert.False(t, ok)
}
