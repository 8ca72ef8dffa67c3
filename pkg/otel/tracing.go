package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Span names
	SpanExchangeCall = "exchange_call"
	SpanPlaceOrder   = "place_order"
	SpanApplyBook    = "apply_book_update"

	// Attribute keys
	AttributeMethod     = "rpc.method"
	AttributeInstrument = "instrument.name"
	AttributeOrderID    = "order.id"
	AttributeOrderSide  = "order.side"
	AttributeOrderPrice = "order.price"
	AttributeAmount     = "order.amount"
	AttributeUpdateKind = "book.update_kind"
)

// StartSpan starts a span on the tracer that owns the given span name. It
// returns a nil span when telemetry has not been initialized.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var tracer trace.Tracer
	switch name {
	case SpanApplyBook:
		tracer = FeedTracer()
	default:
		tracer = ExecutionTracer()
	}

	if tracer == nil {
		return ctx, nil
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddAttributes adds attributes to a span
func AddAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// EndSpan records err on the span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
