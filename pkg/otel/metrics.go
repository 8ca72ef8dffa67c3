package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/erain9/tradeclient/pkg/otel"
)

var (
	feedMetrics     *FeedMetrics
	feedMetricsOnce sync.Once
)

// FeedMetrics holds the metric instruments for the market-data path
type FeedMetrics struct {
	messagesTotal      metric.Int64Counter
	parseFailuresTotal metric.Int64Counter
	snapshotsTotal     metric.Int64Counter
	deltasTotal        metric.Int64Counter
	callbacksTotal     metric.Int64Counter
	applyLatency       metric.Float64Histogram
}

// NewFeedMetrics creates the feed instruments on the given meter
func NewFeedMetrics(meter metric.Meter) (*FeedMetrics, error) {
	messagesTotal, err := meter.Int64Counter(
		"feed.messages.total",
		metric.WithDescription("Total number of subscription messages received"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	parseFailuresTotal, err := meter.Int64Counter(
		"feed.parse_failures.total",
		metric.WithDescription("Total number of messages that could not be decoded or applied"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	snapshotsTotal, err := meter.Int64Counter(
		"orderbook.snapshots.total",
		metric.WithDescription("Total number of book snapshots applied"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, err
	}

	deltasTotal, err := meter.Int64Counter(
		"orderbook.deltas.total",
		metric.WithDescription("Total number of incremental level changes applied"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	callbacksTotal, err := meter.Int64Counter(
		"feed.callbacks.total",
		metric.WithDescription("Total number of user callbacks invoked"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	applyLatency, err := meter.Float64Histogram(
		"orderbook.apply.duration",
		metric.WithDescription("Time spent applying one book message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &FeedMetrics{
		messagesTotal:      messagesTotal,
		parseFailuresTotal: parseFailuresTotal,
		snapshotsTotal:     snapshotsTotal,
		deltasTotal:        deltasTotal,
		callbacksTotal:     callbacksTotal,
		applyLatency:       applyLatency,
	}, nil
}

// GetFeedMetrics returns the FeedMetrics singleton built on the global meter
// provider. If the instruments cannot be created a no-op value is returned.
func GetFeedMetrics() *FeedMetrics {
	feedMetricsOnce.Do(func() {
		m, err := NewFeedMetrics(otel.GetMeterProvider().Meter(instrumentationName))
		if err != nil {
			m = &FeedMetrics{}
		}
		feedMetrics = m
	})
	return feedMetrics
}

func channelAttr(channelType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel.type", channelType))
}

// IncMessages counts one subscription message of the given channel type
func (m *FeedMetrics) IncMessages(ctx context.Context, channelType string) {
	if m == nil || m.messagesTotal == nil {
		return
	}
	m.messagesTotal.Add(ctx, 1, channelAttr(channelType))
}

// IncParseFailures counts one message that was dropped
func (m *FeedMetrics) IncParseFailures(ctx context.Context, reason string) {
	if m == nil || m.parseFailuresTotal == nil {
		return
	}
	m.parseFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// IncSnapshots counts one applied snapshot
func (m *FeedMetrics) IncSnapshots(ctx context.Context, instrument string) {
	if m == nil || m.snapshotsTotal == nil {
		return
	}
	m.snapshotsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttributeInstrument, instrument)))
}

// AddDeltas counts applied incremental changes
func (m *FeedMetrics) AddDeltas(ctx context.Context, instrument string, n int) {
	if m == nil || m.deltasTotal == nil || n == 0 {
		return
	}
	m.deltasTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String(AttributeInstrument, instrument)))
}

// IncCallbacks counts one user callback invocation
func (m *FeedMetrics) IncCallbacks(ctx context.Context, channelType string) {
	if m == nil || m.callbacksTotal == nil {
		return
	}
	m.callbacksTotal.Add(ctx, 1, channelAttr(channelType))
}

// RecordApplyLatency records how long a book message took to apply
func (m *FeedMetrics) RecordApplyLatency(ctx context.Context, seconds float64) {
	if m == nil || m.applyLatency == nil {
		return
	}
	m.applyLatency.Record(ctx, seconds)
}
