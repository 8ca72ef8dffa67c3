package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Order stores information about a single working order owned by this client
type Order struct {
	mu           sync.RWMutex
	id           string
	instrument   string
	side         Side
	orderType    OrderType
	price        float64
	amount       float64
	filledAmount float64
	status       OrderStatus
	createdAt    time.Time
	updatedAt    time.Time
}

// NewOrder creates a pending order that has not been acknowledged by the venue yet
func NewOrder(instrument string, side Side, orderType OrderType, price, amount float64) (*Order, error) {
	if price < 0 || !finite(price) {
		return nil, fmt.Errorf("%w: price %v", ErrInvalidArgument, price)
	}
	if amount <= 0 || !finite(amount) {
		return nil, fmt.Errorf("%w: amount %v", ErrInvalidArgument, amount)
	}

	now := time.Now()
	return &Order{
		instrument: instrument,
		side:       side,
		orderType:  orderType,
		price:      price,
		amount:     amount,
		status:     StatusPending,
		createdAt:  now,
		updatedAt:  now,
	}, nil
}

// ID returns the venue-assigned order ID, empty until acknowledged
func (o *Order) ID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.id
}

// SetOrderID assigns the venue order ID. It can be set only once.
func (o *Order) SetOrderID(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id == "" {
		return fmt.Errorf("%w: empty order id", ErrInvalidArgument)
	}
	if o.id != "" && o.id != id {
		return fmt.Errorf("%w: order id already set to %q", ErrInvalidArgument, o.id)
	}
	o.id = id
	o.touch()
	return nil
}

// Instrument returns the instrument name
func (o *Order) Instrument() string {
	return o.instrument
}

// Side returns side of the Order
func (o *Order) Side() Side {
	return o.side
}

// Type returns the order type
func (o *Order) Type() OrderType {
	return o.orderType
}

// Price returns the limit price
func (o *Order) Price() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price
}

// Amount returns the total order size
func (o *Order) Amount() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.amount
}

// FilledAmount returns the executed size
func (o *Order) FilledAmount() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filledAmount
}

// RemainingAmount returns amount - filledAmount
func (o *Order) RemainingAmount() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.amount - o.filledAmount
}

// Status returns the lifecycle status
func (o *Order) Status() OrderStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// CreatedAt returns the creation time
func (o *Order) CreatedAt() time.Time {
	return o.createdAt
}

// UpdatedAt returns the time of the last mutation
func (o *Order) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updatedAt
}

// IsActive reports whether the order is pending, open or partially filled
func (o *Order) IsActive() bool {
	return o.Status().IsActive()
}

// IsFilled reports whether the order is completely filled
func (o *Order) IsFilled() bool {
	return o.Status() == StatusFilled
}

// SetStatus sets the lifecycle status. Use OrderBook.UpdateOrderState for
// orders resting in a book.
func (o *Order) SetStatus(status OrderStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = status
	o.touch()
}

// SetFilledAmount records executed size and moves the status to filled or
// partially filled accordingly. Orders resting in a book must be updated with
// OrderBook.UpdateOrderState so the level volume follows.
func (o *Order) SetFilledAmount(filled float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if filled < 0 || filled > o.amount || !finite(filled) {
		return fmt.Errorf("%w: filled amount %v for amount %v", ErrInvalidArgument, filled, o.amount)
	}

	o.filledAmount = filled
	if filled == o.amount {
		o.status = StatusFilled
	} else if filled > 0 {
		o.status = StatusPartiallyFilled
	}
	o.touch()
	return nil
}

// SetPrice changes the limit price. Orders resting in a book must be moved
// with OrderBook.ModifyOrder instead.
func (o *Order) SetPrice(price float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setPrice(price)
}

// SetAmount changes the total size. It may not drop below the filled amount.
// Orders resting in a book must be resized with OrderBook.ModifyOrder.
func (o *Order) SetAmount(amount float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setAmount(amount)
}

func (o *Order) setPrice(price float64) error {
	if price < 0 || !finite(price) {
		return fmt.Errorf("%w: price %v", ErrInvalidArgument, price)
	}
	o.price = price
	o.touch()
	return nil
}

func (o *Order) setAmount(amount float64) error {
	if amount <= 0 || !finite(amount) {
		return fmt.Errorf("%w: amount %v", ErrInvalidArgument, amount)
	}
	if amount < o.filledAmount {
		return fmt.Errorf("%w: amount %v below filled amount %v", ErrInvalidArgument, amount, o.filledAmount)
	}
	o.amount = amount
	o.touch()
	return nil
}

// validateReprice checks a price/amount pair without applying it
func (o *Order) validateReprice(price, amount float64) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if price < 0 || !finite(price) {
		return fmt.Errorf("%w: price %v", ErrInvalidArgument, price)
	}
	if amount <= 0 || !finite(amount) {
		return fmt.Errorf("%w: amount %v", ErrInvalidArgument, amount)
	}
	if amount < o.filledAmount {
		return fmt.Errorf("%w: amount %v below filled amount %v", ErrInvalidArgument, amount, o.filledAmount)
	}
	return nil
}

// reprice applies a pre-validated price and amount
func (o *Order) reprice(price, amount float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = price
	o.amount = amount
	o.touch()
}

// scaleRemaining multiplies the remaining size by ratio, keeping the filled part
func (o *Order) scaleRemaining(ratio float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.amount = o.filledAmount + (o.amount-o.filledAmount)*ratio
	o.touch()
}

// clone returns a detached copy
func (o *Order) clone() *Order {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return &Order{
		id:           o.id,
		instrument:   o.instrument,
		side:         o.side,
		orderType:    o.orderType,
		price:        o.price,
		amount:       o.amount,
		filledAmount: o.filledAmount,
		status:       o.status,
		createdAt:    o.createdAt,
		updatedAt:    o.updatedAt,
	}
}

func (o *Order) touch() {
	o.updatedAt = time.Now()
}

// MarshalJSON implements custom JSON marshaling for Order
func (o *Order) MarshalJSON() ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	type OrderJSON struct {
		ID           string      `json:"order_id"`
		Instrument   string      `json:"instrument_name"`
		Side         Side        `json:"direction"`
		Type         OrderType   `json:"order_type"`
		Price        float64     `json:"price"`
		Amount       float64     `json:"amount"`
		FilledAmount float64     `json:"filled_amount"`
		Status       OrderStatus `json:"order_state"`
		CreatedAt    int64       `json:"creation_timestamp"`
		UpdatedAt    int64       `json:"last_update_timestamp"`
	}

	return json.Marshal(OrderJSON{
		ID:           o.id,
		Instrument:   o.instrument,
		Side:         o.side,
		Type:         o.orderType,
		Price:        o.price,
		Amount:       o.amount,
		FilledAmount: o.filledAmount,
		Status:       o.status,
		CreatedAt:    o.createdAt.UnixMilli(),
		UpdatedAt:    o.updatedAt.UnixMilli(),
	})
}

// String implements Stringer interface
func (o *Order) String() string {
	j, _ := o.MarshalJSON()
	return string(j)
}
