package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfigIsOff(t *testing.T) {
	c := DefaultConfig()
	assert.False(t, c.Enabled)
	assert.Equal(t, "fulfillmentd", c.ServiceName)
	assert.Equal(t, 1.0, c.SampleRate)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, kv attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordReservation(ctx, true)
	m.RecordReservation(ctx, true)
	m.RecordReservation(ctx, false)
	m.RecordTransition(ctx, "pending", "paid")
	m.RecordSweep(ctx, "expired-payments", 5, 2, 120*time.Millisecond)
	m.RecordDelivery(ctx, "sent")
	m.RecordDelivery(ctx, "dead_letter")
	m.RecordRequest(ctx, "POST", "/api/checkout", 201, 30*time.Millisecond)

	got := collect(t, reader)

	assert.Equal(t, int64(2), sumFor(t, got["fulfillment.reservations.total"], attribute.Bool("accepted", true)))
	assert.Equal(t, int64(1), sumFor(t, got["fulfillment.reservations.total"], attribute.Bool("accepted", false)))
	assert.Equal(t, int64(1), sumFor(t, got["fulfillment.order.transitions.total"], attribute.String("to", "paid")))
	assert.Equal(t, int64(1), sumFor(t, got["fulfillment.reconcile.runs.total"], attribute.String("job", "expired-payments")))
	assert.Equal(t, int64(3), sumFor(t, got["fulfillment.reconcile.rows.total"], attribute.String("outcome", "ok")))
	assert.Equal(t, int64(2), sumFor(t, got["fulfillment.reconcile.rows.total"], attribute.String("outcome", "failed")))
	assert.Equal(t, int64(1), sumFor(t, got["fulfillment.email.deliveries.total"], attribute.String("outcome", "dead_letter")))
	assert.Equal(t, int64(1), sumFor(t, got["fulfillment.http.requests.total"], attribute.String("http.route", "/api/checkout")))

	hist, ok := got["fulfillment.reconcile.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestEndSpan(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	EndSpan(failed, errors.New("boom"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Empty(t, ended[0].Events())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "boom", ended[1].Status().Description)
	require.Len(t, ended[1].Events(), 1)
}
