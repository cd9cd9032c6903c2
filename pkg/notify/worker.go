package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/observability"
)

// WorkerConfig tunes delivery.
type WorkerConfig struct {
	BatchSize  int
	RetryDelay time.Duration
	Lease      time.Duration
	SentTTL    time.Duration
}

// DefaultWorkerConfig returns the queue defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:  DefaultBatchSize,
		RetryDelay: DefaultRetryDelay,
		Lease:      DefaultLease,
		SentTTL:    DefaultSentTTL,
	}
}

// Result summarizes one worker pass.
type Result struct {
	Claimed      int `json:"claimed"`
	Sent         int `json:"sent"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Errors       int `json:"errors"`
}

// Metrics receives one outcome per delivery attempt.
type Metrics interface {
	RecordDelivery(ctx context.Context, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivery(context.Context, string) {}

// Worker drains due messages through a Sender.
type Worker struct {
	store   Store
	sender  Sender
	cfg     WorkerConfig
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

func NewWorker(store Store, sender Sender, cfg WorkerConfig) *Worker {
	return &Worker{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default().With("component", "notify"),
		metrics: noopMetrics{},
		tracer:  observability.Tracer("notify"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	w.logger = l
	return w
}

func (w *Worker) WithTracer(t trace.Tracer) *Worker {
	w.tracer = t
	return w
}

func (w *Worker) WithMetrics(m Metrics) *Worker {
	if m != nil {
		w.metrics = m
	}
	return w
}

// RunOnce claims one batch and attempts each message once. A failure on one
// message never stops the batch. Failed attempts are retried after
// RetryDelay multiplied by the attempt count; a message that reaches
// MaxAttempts moves to the dead-letter state.
func (w *Worker) RunOnce(ctx context.Context) (res Result, err error) {
	ctx, span := w.tracer.Start(ctx, "notify.RunOnce")
	defer func() {
		span.SetAttributes(
			attribute.Int("notify.claimed", res.Claimed),
			attribute.Int("notify.sent", res.Sent),
			attribute.Int("notify.dead_lettered", res.DeadLettered),
		)
		observability.EndSpan(span, err)
	}()
	return w.runOnce(ctx)
}

func (w *Worker) runOnce(ctx context.Context) (Result, error) {
	var res Result
	batch, err := w.store.Claim(ctx, w.clock(), w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return res, err
	}
	res.Claimed = len(batch)

	for _, m := range batch {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		sendErr := w.sender.Send(ctx, Email{To: m.To, Subject: m.Subject, HTML: m.HTML})
		now := w.clock()

		if sendErr == nil {
			if err := w.store.MarkSent(ctx, m.ID, now); err != nil {
				res.Errors++
				w.logger.ErrorContext(ctx, "mark sent failed", "message_id", m.ID, "error", err)
				continue
			}
			res.Sent++
			w.metrics.RecordDelivery(ctx, "sent")
			continue
		}

		attempts := m.Attempts + 1
		if attempts >= m.MaxAttempts {
			if err := w.store.MarkFailed(ctx, m.ID, attempts, sendErr.Error(), now); err != nil {
				res.Errors++
				w.logger.ErrorContext(ctx, "mark failed failed", "message_id", m.ID, "error", err)
				continue
			}
			res.DeadLettered++
			w.metrics.RecordDelivery(ctx, "dead_letter")
			w.logger.WarnContext(ctx, "email dead-lettered", "message_id", m.ID, "attempts", attempts, "error", sendErr)
			continue
		}

		next := now.Add(w.cfg.RetryDelay * time.Duration(attempts))
		if err := w.store.MarkRetry(ctx, m.ID, attempts, next, sendErr.Error(), now); err != nil {
			res.Errors++
			w.logger.ErrorContext(ctx, "mark retry failed", "message_id", m.ID, "error", err)
			continue
		}
		res.Retried++
		w.metrics.RecordDelivery(ctx, "retry")
		w.logger.InfoContext(ctx, "email retry scheduled", "message_id", m.ID, "attempts", attempts, "next", next)
	}
	return res, nil
}

// Cleanup deletes sent messages older than SentTTL.
func (w *Worker) Cleanup(ctx context.Context) (int64, error) {
	n, err := w.store.PurgeSent(ctx, w.clock().Add(-w.cfg.SentTTL))
	if err != nil {
		return 0, fmt.Errorf("notify: cleanup: %w", err)
	}
	return n, nil
}
