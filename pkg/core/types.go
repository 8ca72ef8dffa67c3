package core

import (
	"encoding/json"
	"fmt"
	"math"
)

// Side represents buy or sell side of the order
type Side int

// Order sides
const (
	Sell Side = iota
	Buy
)

// String returns side in the venue's wire format
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide converts a wire side ("buy"/"sell") into a Side
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return Sell, fmt.Errorf("%w: side %q", ErrInvalidArgument, s)
	}
}

// MarshalJSON implements json.Marshaler
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// OrderType represents type of the order
type OrderType string

// Order types
const (
	TypeLimit      OrderType = "limit"
	TypeMarket     OrderType = "market"
	TypeStopLimit  OrderType = "stop_limit"
	TypeStopMarket OrderType = "stop_market"
)

// ParseOrderType validates a wire order type
func ParseOrderType(s string) (OrderType, error) {
	switch t := OrderType(s); t {
	case TypeLimit, TypeMarket, TypeStopLimit, TypeStopMarket:
		return t, nil
	default:
		return "", fmt.Errorf("%w: order type %q", ErrInvalidArgument, s)
	}
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// ParseOrderStatus validates a wire order status
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case StatusPending, StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("%w: order status %q", ErrInvalidArgument, s)
	}
}

// IsActive reports whether an order in this status may still rest in the book
func (s OrderStatus) IsActive() bool {
	return s == StatusPending || s == StatusOpen || s == StatusPartiallyFilled
}

func nearZero(v float64) bool {
	return math.Abs(v) < Epsilon
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
