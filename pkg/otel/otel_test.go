package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_CollectorDisabled(t *testing.T) {
	t.Cleanup(ResetForTesting)

	cleanup, err := Init(Config{})
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup()

	assert.Nil(t, FeedTracer())
	assert.Nil(t, ExecutionTracer())
	assert.NotNil(t, GetMeterProvider())
	assert.NotNil(t, GetTracerProvider(ServiceFeed))
}

func TestStartSpan_WithoutTracer(t *testing.T) {
	ResetForTesting()

	ctx := context.Background()
	got, span := StartSpan(ctx, SpanExchangeCall)
	assert.Equal(t, ctx, got)
	assert.Nil(t, span)

	// Nil spans are tolerated everywhere
	AddAttributes(span, attribute.String(AttributeMethod, "public/test"))
	EndSpan(span, errors.New("boom"))
}

func TestStartSpan_RecordsSpans(t *testing.T) {
	t.Cleanup(ResetForTesting)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	InitForTesting(tp.Tracer("test"))

	_, span := StartSpan(context.Background(), SpanPlaceOrder, attribute.String(AttributeInstrument, "BTC-PERPETUAL"))
	require.NotNil(t, span)
	AddAttributes(span, attribute.String(AttributeOrderID, "abc"))
	EndSpan(span, errors.New("rejected"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanPlaceOrder, spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String(AttributeOrderID, "abc"))
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestFeedMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewFeedMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.IncMessages(ctx, "book")
	m.IncMessages(ctx, "book")
	m.IncParseFailures(ctx, "decode")
	m.IncSnapshots(ctx, "BTC-PERPETUAL")
	m.AddDeltas(ctx, "BTC-PERPETUAL", 3)
	m.IncCallbacks(ctx, "trades")
	m.RecordApplyLatency(ctx, 0.001)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range sum.DataPoints {
				sums[md.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), sums["feed.messages.total"])
	assert.Equal(t, int64(1), sums["feed.parse_failures.total"])
	assert.Equal(t, int64(1), sums["orderbook.snapshots.total"])
	assert.Equal(t, int64(3), sums["orderbook.deltas.total"])
	assert.Equal(t, int64(1), sums["feed.callbacks.total"])
}

func TestFeedMetrics_NilSafe(t *testing.T) {
	var m *FeedMetrics
	ctx := context.Background()
	m.IncMessages(ctx, "book")
	m.AddDeltas(ctx, "x", 1)
	(&FeedMetrics{}).IncSnapshots(ctx, "x")
	assert.NotNil(t, GetFeedMetrics())
}
