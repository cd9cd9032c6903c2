package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/archive"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/catalog"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type gateway struct{}

func (gateway) Name() string { return "testpay" }

func (gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Redirect, error) {
	return &payment.Redirect{URL: "https://pay.example/" + req.IntentID, ProviderRef: "ref-" + req.OrderID}, nil
}

type fixture struct {
	now   time.Time
	repo  *order.MemoryRepository
	svc   *order.Service
	store *settings.MemoryStore
	sink  *archive.MemorySink
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: t0, repo: order.NewMemoryRepository(), store: settings.NewMemoryStore(), sink: archive.NewMemorySink()}
	clock := func() time.Time { return f.now }

	require.NoError(t, f.repo.Ledger.Restock(ctx, order.DefaultWarehouse, "v-mug", 5))
	cat := catalog.NewMemoryCatalog(catalog.Variant{ID: "v-mug", ProductID: "p-mug", Name: "Mug", SKU: "MUG", PriceCents: 10000, Currency: "EGP", Active: true})
	gate := killswitch.NewGate(f.store)
	_, err := gate.Update(ctx, map[killswitch.Flag]bool{killswitch.FlagCard: true}, "test")
	require.NoError(t, err)
	composer, err := notify.NewComposer(3)
	require.NoError(t, err)

	f.svc = order.NewService(f.repo, cat, gate, fraud.NewScorer(fraud.DefaultConfig()), composer,
		order.WithGateway(gateway{}), order.WithClock(clock))
	f.rec = New(f.svc, f.repo.Intents, f.repo.Orders, f.repo.Ledger, f.store,
		WithArchive(f.sink), WithClock(clock))
	return f
}

func (f *fixture) checkout(t *testing.T, method order.PaymentMethod, qty int) *order.Order {
	t.Helper()
	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{
		Customer:      order.Customer{Name: "Mona", Email: "mona@example.com", Phone: "01000000000"},
		Shipping:      order.Shipping{Address: "1 Nile St", City: "Cairo"},
		PaymentMethod: method,
		Lines:         []order.CheckoutLine{{VariantID: "v-mug", Quantity: qty, UnitPriceCents: 10000}},
	})
	require.NoError(t, err)
	return res.Order
}

// orphan persists a pending card order with reserved stock and no intent.
func (f *fixture) orphan(t *testing.T, id string, created time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.Ledger.Reserve(ctx, order.DefaultWarehouse, "v-mug", 1))
	require.NoError(t, f.repo.Orders.Create(ctx, &order.Order{
		ID: id, Customer: order.Customer{Name: "Mona", Email: "mona@example.com"},
		PaymentMethod: order.MethodCard, Status: order.StatusPending, TotalCents: 10000, Currency: "EGP",
		Items:     []order.Item{{Line: 1, VariantID: "v-mug", WarehouseID: order.DefaultWarehouse, SKU: "MUG", Name: "Mug", Quantity: 1, UnitPriceCents: 10000}},
		CreatedAt: created, UpdatedAt: created,
	}))
}

func (f *fixture) row(t *testing.T) *inventory.Row {
	t.Helper()
	r, err := f.repo.Ledger.Get(context.Background(), order.DefaultWarehouse, "v-mug")
	require.NoError(t, err)
	return r
}

func TestExpiredPayments_CancelsAndRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t, order.MethodCard, 2)
	assert.Equal(t, 3, f.row(t).Available)

	res, err := f.rec.Run(ctx, JobExpiredPayments, "req-1")
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	f.now = t0.Add(31 * time.Minute)
	res, err = f.rec.Run(ctx, JobExpiredPayments, "req-2")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "req-2", res.RequestID)
	assert.True(t, res.OK())

	got, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	in, err := f.repo.Intents.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusExpired, in.Status)
	row := f.row(t)
	assert.Equal(t, 5, row.Available)
	assert.Zero(t, row.Reserved)

	res, err = f.rec.Run(ctx, JobExpiredPayments, "req-3")
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 5, f.row(t).Available)
}

func TestExpiredPayments_LeavesSettledOrdersAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t, order.MethodCard, 1)

	_, err := f.svc.Cancel(ctx, o.ID, order.Actor{ID: "admin-1", Role: order.RoleAdmin}, "customer called")
	require.NoError(t, err)

	f.now = t0.Add(time.Hour)
	res, err := f.rec.Run(ctx, JobExpiredPayments, "req-1")
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	row := f.row(t)
	assert.Equal(t, 5, row.Available)
	assert.Zero(t, row.Reserved)
}

func TestZombieOrders_CancelsOnlyOldOrdersWithoutIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orphan(t, "ord-old", t0.Add(-25*time.Hour))
	f.orphan(t, "ord-young", t0.Add(-2*time.Hour))
	cod := f.checkout(t, order.MethodCOD, 1)
	f.now = t0.Add(48 * time.Hour)

	res, err := f.rec.Run(ctx, JobZombieOrders, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)

	for _, id := range []string{"ord-old", "ord-young"} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, got.Status, id)
	}
	got, err := f.svc.Get(ctx, cod.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)

	row := f.row(t)
	assert.Equal(t, 4, row.Available)
	assert.Equal(t, 1, row.Reserved)
}

func TestZombieOrders_RespectsAge(t *testing.T) {
	f := newFixture(t)
	f.orphan(t, "ord-young", t0.Add(-2*time.Hour))

	res, err := f.rec.Run(context.Background(), JobZombieOrders, "req-1")
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

type flakyLifecycle struct {
	calls []string
}

func (l *flakyLifecycle) ExpirePayment(ctx context.Context, id string) (bool, error) {
	l.calls = append(l.calls, id)
	switch id {
	case "bad":
		return false, errors.New("db gone")
	case "boom":
		panic("nil order")
	case "gone":
		return false, nil
	}
	return true, nil
}

func (l *flakyLifecycle) CancelOrphaned(ctx context.Context, id string) (bool, error) {
	return false, nil
}

type listers struct {
	intents []payment.Intent
	err     error
}

// ListExpired returns every intent as a single page.
func (l listers) ListExpired(ctx context.Context, now time.Time, after database.Cursor, limit int) ([]payment.Intent, error) {
	if !after.IsZero() {
		return nil, l.err
	}
	return l.intents, l.err
}

func (l listers) ListOrphaned(ctx context.Context, before time.Time, after database.Cursor, limit int) ([]order.Order, error) {
	return nil, l.err
}

func (l listers) ListStuckPaid(ctx context.Context, before time.Time, limit int) ([]order.Order, error) {
	return nil, l.err
}

func TestRun_IsolatesRowFailures(t *testing.T) {
	lc := &flakyLifecycle{}
	src := listers{intents: []payment.Intent{{ID: "ok-1"}, {ID: "bad"}, {ID: "boom"}, {ID: "gone"}, {ID: "ok-2"}}}
	rec := New(lc, src, src, inventory.NewMemoryLedger(), settings.NewMemoryStore())

	res, err := rec.Run(context.Background(), JobExpiredPayments, "req-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok-1", "bad", "boom", "gone", "ok-2"}, lc.calls)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.False(t, res.OK())
}

// pagedIntents pages a sorted intent list the way the stores do.
type pagedIntents struct {
	listers
	all   []payment.Intent
	pages int
}

func (p *pagedIntents) ListExpired(ctx context.Context, now time.Time, after database.Cursor, limit int) ([]payment.Intent, error) {
	p.pages++
	var out []payment.Intent
	for _, in := range p.all {
		if after.Before(in.ExpiresAt, in.ID) {
			out = append(out, in)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type stuckLifecycle struct {
	flakyLifecycle
	failing map[string]bool
}

func (l *stuckLifecycle) ExpirePayment(ctx context.Context, id string) (bool, error) {
	l.calls = append(l.calls, id)
	if l.failing[id] {
		return false, errors.New("release exceeds reserved")
	}
	return true, nil
}

func TestRun_PagesPastRowsThatKeepFailing(t *testing.T) {
	src := &pagedIntents{all: []payment.Intent{
		{ID: "stuck-1", ExpiresAt: t0.Add(-3 * time.Hour)},
		{ID: "stuck-2", ExpiresAt: t0.Add(-3 * time.Hour)},
		{ID: "ok-1", ExpiresAt: t0.Add(-2 * time.Hour)},
		{ID: "ok-2", ExpiresAt: t0.Add(-time.Hour)},
	}}
	lc := &stuckLifecycle{failing: map[string]bool{"stuck-1": true, "stuck-2": true}}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	rec := New(lc, src, src, inventory.NewMemoryLedger(), settings.NewMemoryStore(), WithConfig(cfg))

	for run := 0; run < 2; run++ {
		lc.calls = nil
		res, err := rec.Run(context.Background(), JobExpiredPayments, "req-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"stuck-1", "stuck-2", "ok-1", "ok-2"}, lc.calls)
		assert.Equal(t, 4, res.Processed)
		assert.Equal(t, 2, res.Failed)
		assert.Equal(t, 2, res.Succeeded)
		assert.False(t, res.Truncated)
	}
	assert.Equal(t, 6, src.pages)
}

func TestExpiredPayments_IntentsWithoutOrderDoNotBlockSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	f.rec = New(f.svc, f.repo.Intents, f.repo.Orders, f.repo.Ledger, f.store,
		WithConfig(cfg), WithClock(func() time.Time { return f.now }))

	for _, id := range []string{"pi-lost-1", "pi-lost-2"} {
		require.NoError(t, f.repo.Intents.Create(ctx, &payment.Intent{
			ID: id, OrderID: "ord-" + id, Provider: "testpay", Status: payment.StatusPending,
			AmountCents: 10000, Currency: "EGP", ExpiresAt: t0.Add(-3 * time.Hour), CreatedAt: t0.Add(-4 * time.Hour),
		}))
	}
	o := f.checkout(t, order.MethodCard, 1)
	f.now = t0.Add(2*time.Hour + 30*time.Minute)

	res, err := f.rec.Run(ctx, JobExpiredPayments, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Zero(t, res.Failed)

	got, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	for _, id := range []string{"pi-lost-1", "pi-lost-2"} {
		in, err := f.repo.Intents.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusExpired, in.Status, id)
	}
	assert.Equal(t, 5, f.row(t).Available)
}

func TestRun_ReportsSweepFailure(t *testing.T) {
	src := listers{err: errors.New("connection refused")}
	rec := New(&flakyLifecycle{}, src, src, inventory.NewMemoryLedger(), settings.NewMemoryStore())

	res, err := rec.Run(context.Background(), JobExpiredPayments, "req-1")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Errors, 1)

	results, err := rec.RunAll(context.Background(), "req-2")
	require.Error(t, err)
	assert.Len(t, results, len(Jobs))

	_, err = rec.Run(context.Background(), "compact", "req-3")
	assert.Error(t, err)
}

func TestRun_RecordsSpanPerJob(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")
	src := listers{err: errors.New("connection refused")}
	rec := New(&flakyLifecycle{}, src, src, inventory.NewMemoryLedger(), settings.NewMemoryStore(), WithTracer(tracer))

	_, err := rec.Run(context.Background(), JobExpiredPayments, "req-1")
	require.Error(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, "reconcile.expired-payments", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Status().Description, "connection refused")
	assert.Contains(t, span.Attributes(), attribute.String("request_id", "req-1"))
	require.NotEmpty(t, span.Events())
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestAudit_RecordsIssuesWithoutMutating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repo.Ledger.Put(inventory.Row{WarehouseID: "main", VariantID: "v-bad", Available: -1, Reserved: 3, OnHand: 1})
	f.repo.Ledger.Put(inventory.Row{WarehouseID: "main", VariantID: "v-drift", Available: 4, Reserved: 0, OnHand: 6})
	f.orphan(t, "ord-orphan", t0.Add(-30*time.Hour))
	require.NoError(t, f.repo.Orders.Create(ctx, &order.Order{
		ID: "ord-stuck", Customer: order.Customer{Name: "Ali", Email: "ali@example.com"},
		PaymentMethod: order.MethodCOD, Status: order.StatusPaid, TotalCents: 5000, Currency: "EGP",
		CreatedAt: t0.Add(-5 * 24 * time.Hour), UpdatedAt: t0.Add(-4 * 24 * time.Hour),
	}))
	before := f.row(t)

	res, err := f.rec.Run(ctx, JobAudit, "req-audit")
	require.NoError(t, err)

	count := map[IssueType]int{}
	for _, is := range res.Issues {
		count[is.Type]++
	}
	assert.Equal(t, map[IssueType]int{
		IssueNegativeStock:        1,
		IssueReservedExceedsTotal: 1,
		IssueLedgerDrift:          2,
		IssueOrphanedOrder:        1,
		IssueStuckPaid:            1,
	}, count)

	got, err := f.svc.Get(ctx, "ord-orphan")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Equal(t, before, f.row(t))
	bad, err := f.repo.Ledger.Get(ctx, "main", "v-bad")
	require.NoError(t, err)
	assert.Equal(t, -1, bad.Available)

	rep, err := LastReport(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Count)
	assert.Equal(t, "req-audit", rep.RequestID)

	var last map[string]any
	_, err = settings.GetJSON(ctx, f.store, settings.KeyLastReconciliation, &last)
	require.NoError(t, err)
	assert.Equal(t, "req-audit", last["request_id"])

	keys := f.sink.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "reconciliation/2026/03/02/140000.json", keys[0])
}

func TestAudit_CleanLedgerStoresEmptyReport(t *testing.T) {
	f := newFixture(t)
	res, err := f.rec.Run(context.Background(), JobAudit, "req-1")
	require.NoError(t, err)
	assert.Empty(t, res.Issues)

	rep, err := LastReport(context.Background(), f.store)
	require.NoError(t, err)
	assert.Zero(t, rep.Count)
	assert.NotNil(t, rep.Issues)
}
