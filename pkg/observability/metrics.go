package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the domain instruments. It satisfies the recorder
// interfaces of the order, reconcile and notify packages.
type Metrics struct {
	reservations metric.Int64Counter
	transitions  metric.Int64Counter
	sweeps       metric.Int64Counter
	sweepRows    metric.Int64Counter
	sweepTime    metric.Float64Histogram
	deliveries   metric.Int64Counter
	requests     metric.Int64Counter
	requestTime  metric.Float64Histogram
}

// NewMetrics registers every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.reservations, err = meter.Int64Counter("fulfillment.reservations.total",
		metric.WithDescription("Stock reservation attempts by outcome"),
		metric.WithUnit("{reservation}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("fulfillment.order.transitions.total",
		metric.WithDescription("Order status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.sweeps, err = meter.Int64Counter("fulfillment.reconcile.runs.total",
		metric.WithDescription("Reconciliation job runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.sweepRows, err = meter.Int64Counter("fulfillment.reconcile.rows.total",
		metric.WithDescription("Rows handled by reconciliation jobs by outcome"),
		metric.WithUnit("{row}"),
	); err != nil {
		return nil, err
	}
	if m.sweepTime, err = meter.Float64Histogram("fulfillment.reconcile.duration",
		metric.WithDescription("Reconciliation job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("fulfillment.email.deliveries.total",
		metric.WithDescription("Email delivery attempts by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("fulfillment.http.requests.total",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.requestTime, err = meter.Float64Histogram("fulfillment.http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordReservation(ctx context.Context, accepted bool) {
	m.reservations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordSweep(ctx context.Context, job string, processed, failed int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("job", job))
	m.sweeps.Add(ctx, 1, attrs)
	m.sweepTime.Record(ctx, d.Seconds(), attrs)
	if ok := processed - failed; ok > 0 {
		m.sweepRows.Add(ctx, int64(ok), metric.WithAttributes(
			attribute.String("job", job), attribute.String("outcome", "ok")))
	}
	if failed > 0 {
		m.sweepRows.Add(ctx, int64(failed), metric.WithAttributes(
			attribute.String("job", job), attribute.String("outcome", "failed")))
	}
}

// RecordDelivery counts one email attempt; outcome is sent, retry or dead_letter.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRequest counts one HTTP request against its route pattern.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
		attribute.String("http.response.status_code", strconv.Itoa(status)),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestTime.Record(ctx, d.Seconds(), attrs)
}
