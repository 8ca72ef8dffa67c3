package messaging

import (
	"context"
	"time"

	"github.com/erain9/tradeclient/pkg/core"
)

// BookSender delivers book updates to a downstream system.
// This keeps the feed path decoupled from Kafka, Redis and friends.
type BookSender interface {
	SendBookUpdate(ctx context.Context, update *BookUpdate) error
}

// OrderEventSender delivers order lifecycle events
type OrderEventSender interface {
	SendOrderEvent(ctx context.Context, event *OrderEvent) error
}

// BookUpdate is a depth snapshot taken after a feed message was applied.
// Sequence grows per instrument.
type BookUpdate struct {
	Sequence uint64 `json:"sequence"`
	core.BookSnapshot
}

// OrderEventType names a step in an order's lifecycle
type OrderEventType string

// Order event types
const (
	EventPlaced    OrderEventType = "placed"
	EventModified  OrderEventType = "modified"
	EventCancelled OrderEventType = "cancelled"
	EventRejected  OrderEventType = "rejected"
)

// OrderEvent describes one change to a local order. Quantities are decimal
// strings as returned by the venue.
type OrderEvent struct {
	Type         OrderEventType `json:"type"`
	OrderID      string         `json:"order_id"`
	Label        string         `json:"label,omitempty"`
	Instrument   string         `json:"instrument_name"`
	Side         string         `json:"direction"`
	OrderType    string         `json:"order_type"`
	Status       string         `json:"order_state"`
	Price        string         `json:"price"`
	Amount       string         `json:"amount"`
	FilledAmount string         `json:"filled_amount"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
