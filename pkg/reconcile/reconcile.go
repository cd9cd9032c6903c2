// Package reconcile runs the periodic sweeps that keep orders, payment
// intents and the inventory ledger consistent: expiring abandoned online
// payments, cancelling orders that never got an intent, and auditing
// invariants for operators.
//
// Every sweep is idempotent and isolates failures per row, so it can run
// repeatedly and alongside live traffic.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/archive"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/observability"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

// Job names a sweep.
type Job string

const (
	JobExpiredPayments Job = "expired-payments"
	JobZombieOrders    Job = "zombie-orders"
	JobAudit           Job = "audit"
)

// Jobs lists every sweep in run order.
var Jobs = []Job{JobExpiredPayments, JobZombieOrders, JobAudit}

// Lifecycle is the part of the order service the sweeps drive.
type Lifecycle interface {
	ExpirePayment(ctx context.Context, intentID string) (bool, error)
	CancelOrphaned(ctx context.Context, orderID string) (bool, error)
}

// IntentLister finds expired payment intents.
type IntentLister interface {
	ListExpired(ctx context.Context, now time.Time, after database.Cursor, limit int) ([]payment.Intent, error)
}

// OrderLister finds orders the sweeps and audit act on.
type OrderLister interface {
	ListOrphaned(ctx context.Context, before time.Time, after database.Cursor, limit int) ([]order.Order, error)
	ListStuckPaid(ctx context.Context, before time.Time, limit int) ([]order.Order, error)
}

// Metrics receives sweep outcomes.
type Metrics interface {
	RecordSweep(ctx context.Context, job string, processed, failed int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordSweep(context.Context, string, int, int, time.Duration) {}

// Config tunes the sweeps. A sweep reads BatchSize rows per page and pages
// past rows that fail until the backlog is exhausted or SweepBudget is
// spent; zero SweepBudget means no limit.
type Config struct {
	BatchSize    int
	SweepBudget  time.Duration
	ZombieAge    time.Duration
	StuckPaidAge time.Duration
	AuditLimit   int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		SweepBudget:  2 * time.Minute,
		ZombieAge:    24 * time.Hour,
		StuckPaidAge: 72 * time.Hour,
		AuditLimit:   500,
	}
}

// Result summarizes one sweep run.
type Result struct {
	Job        Job      `json:"job"`
	RequestID  string   `json:"request_id"`
	Processed  int      `json:"processed"`
	Succeeded  int      `json:"succeeded"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Truncated  bool     `json:"truncated,omitempty"`
	Issues     []Issue  `json:"issues,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// OK reports whether the run had no failures.
func (r *Result) OK() bool { return r.Failed == 0 && len(r.Errors) == 0 }

// Reconciler runs the sweeps.
type Reconciler struct {
	lifecycle Lifecycle
	intents   IntentLister
	orders    OrderLister
	auditor   inventory.Auditor
	settings  settings.Store
	sink      archive.Sink
	metrics   Metrics
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithArchive stores every audit report in sink.
func WithArchive(sink archive.Sink) Option { return func(r *Reconciler) { r.sink = sink } }

func WithMetrics(m Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

func WithConfig(cfg Config) Option { return func(r *Reconciler) { r.cfg = cfg } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(r *Reconciler) { r.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(r *Reconciler) { r.tracer = t } }

func New(lifecycle Lifecycle, intents IntentLister, orders OrderLister, auditor inventory.Auditor, st settings.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		lifecycle: lifecycle,
		intents:   intents,
		orders:    orders,
		auditor:   auditor,
		settings:  st,
		metrics:   noopMetrics{},
		cfg:       DefaultConfig(),
		clock:     time.Now,
		logger:    slog.Default().With("component", "reconcile"),
		tracer:    observability.Tracer("reconcile"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one sweep. The returned error is set only when the sweep
// could not run at all; per-row failures are counted in the result.
func (r *Reconciler) Run(ctx context.Context, job Job, requestID string) (*Result, error) {
	var fn func(context.Context, *slog.Logger, *Result) error
	switch job {
	case JobExpiredPayments:
		fn = r.expiredPayments
	case JobZombieOrders:
		fn = r.zombieOrders
	case JobAudit:
		fn = r.audit
	default:
		return nil, fmt.Errorf("reconcile: unknown job %q", job)
	}

	ctx, span := r.tracer.Start(ctx, "reconcile."+string(job), trace.WithAttributes(
		attribute.String("reconcile.job", string(job)),
		attribute.String("request_id", requestID),
	))
	start := time.Now()
	res := &Result{Job: job, RequestID: requestID}
	log := r.logger.With("job", string(job), "request_id", requestID)
	log.InfoContext(ctx, "sweep started")

	err := fn(ctx, log, res)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		log.ErrorContext(ctx, "sweep failed", "error", err, "duration_ms", res.DurationMS)
	} else {
		log.InfoContext(ctx, "sweep finished",
			"processed", res.Processed, "succeeded", res.Succeeded, "skipped", res.Skipped,
			"failed", res.Failed, "issues", len(res.Issues), "duration_ms", res.DurationMS)
	}
	r.metrics.RecordSweep(ctx, string(job), res.Processed, res.Failed, time.Since(start))
	span.SetAttributes(
		attribute.Int("reconcile.processed", res.Processed),
		attribute.Int("reconcile.failed", res.Failed),
		attribute.Int("reconcile.issues", len(res.Issues)),
	)
	observability.EndSpan(span, err)
	return res, err
}

// RunAll executes every sweep in order. One failing sweep does not stop
// the others.
func (r *Reconciler) RunAll(ctx context.Context, requestID string) ([]*Result, error) {
	var out []*Result
	var failed []Job
	for _, j := range Jobs {
		res, err := r.Run(ctx, j, requestID)
		if err != nil {
			failed = append(failed, j)
		}
		out = append(out, res)
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("reconcile: sweeps failed: %v", failed)
	}
	return out, nil
}

// each runs fn for one row, turning panics and errors into a failed count.
func each(ctx context.Context, log *slog.Logger, res *Result, id string, fn func() (bool, error)) {
	res.Processed++
	changed, err := func() (changed bool, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn()
	}()
	switch {
	case err != nil:
		res.Failed++
		log.ErrorContext(ctx, "sweep row failed", "id", id, "error", err)
	case changed:
		res.Succeeded++
	default:
		res.Skipped++
	}
}

func (r *Reconciler) expiredPayments(ctx context.Context, log *slog.Logger, res *Result) error {
	now := r.clock()
	return r.paginate(ctx, log, res, func(after database.Cursor, limit int) ([]database.Cursor, error) {
		intents, err := r.intents.ListExpired(ctx, now, after, limit)
		if err != nil {
			return nil, fmt.Errorf("reconcile: list expired intents: %w", err)
		}
		keys := make([]database.Cursor, len(intents))
		for i, in := range intents {
			keys[i] = database.Cursor{At: in.ExpiresAt, ID: in.ID}
		}
		return keys, nil
	}, func(id string) (bool, error) {
		return r.lifecycle.ExpirePayment(ctx, id)
	})
}

func (r *Reconciler) zombieOrders(ctx context.Context, log *slog.Logger, res *Result) error {
	before := r.clock().Add(-r.cfg.ZombieAge)
	return r.paginate(ctx, log, res, func(after database.Cursor, limit int) ([]database.Cursor, error) {
		orders, err := r.orders.ListOrphaned(ctx, before, after, limit)
		if err != nil {
			return nil, fmt.Errorf("reconcile: list orphaned orders: %w", err)
		}
		keys := make([]database.Cursor, len(orders))
		for i, o := range orders {
			keys[i] = database.Cursor{At: o.CreatedAt, ID: o.ID}
		}
		return keys, nil
	}, func(id string) (bool, error) {
		return r.lifecycle.CancelOrphaned(ctx, id)
	})
}

// paginate walks the rows list returns page by page, applying fn to each.
// The cursor moves past failed rows, so rows that fail on every run never
// hide the rows behind them.
func (r *Reconciler) paginate(ctx context.Context, log *slog.Logger, res *Result,
	list func(after database.Cursor, limit int) ([]database.Cursor, error),
	fn func(id string) (bool, error),
) error {
	limit := r.cfg.BatchSize
	if limit <= 0 {
		limit = DefaultConfig().BatchSize
	}
	var deadline time.Time
	if r.cfg.SweepBudget > 0 {
		deadline = time.Now().Add(r.cfg.SweepBudget)
	}

	var after database.Cursor
	for {
		keys, err := list(after, limit)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			id := k.ID
			each(ctx, log, res, id, func() (bool, error) { return fn(id) })
			after = k
		}
		if len(keys) < limit {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			res.Truncated = true
			log.WarnContext(ctx, "sweep budget spent, resuming next run", "processed", res.Processed)
			return nil
		}
	}
}
