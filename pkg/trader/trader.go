package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/exchange"
	"github.com/erain9/tradeclient/pkg/messaging"
)

// ErrLimitExceeded is returned when an order would break a configured limit
var ErrLimitExceeded = errors.New("limit exceeded")

// Executor is the part of the exchange client the trader drives
type Executor interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error)
	Cancel(ctx context.Context, orderID string) (*exchange.OrderState, error)
	Edit(ctx context.Context, orderID string, price, amount decimal.Decimal) (*exchange.OrderResult, error)
	GetOrderBook(ctx context.Context, instrument string, depth int) (*exchange.OrderBookSnapshot, error)
}

// Books looks up the replica book of an instrument
type Books interface {
	GetOrderBook(instrument string) *core.OrderBook
}

// Limits bound what the trader will submit
type Limits struct {
	MinOrderSize  decimal.Decimal
	MaxOrderSize  decimal.Decimal
	MaxOpenOrders int
}

// Option configures a Trader
type Option func(*Trader)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Trader) {
		t.logger = logger
	}
}

// WithEventSender publishes order lifecycle events to sender
func WithEventSender(sender messaging.OrderEventSender) Option {
	return func(t *Trader) {
		t.events = sender
	}
}

// Trader places orders through an Executor and keeps the acknowledged ones
// in the instrument's replica book, so feed updates reconcile them.
type Trader struct {
	exec   Executor
	books  Books
	limits Limits
	events messaging.OrderEventSender
	logger zerolog.Logger

	mu       sync.Mutex
	orders   map[string]*core.Order
	inflight int
}

// New creates a Trader
func New(exec Executor, books Books, limits Limits, opts ...Option) *Trader {
	t := &Trader{
		exec:   exec,
		books:  books,
		limits: limits,
		logger: zerolog.Nop(),
		orders: make(map[string]*core.Order),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PlaceRequest describes an order to place
type PlaceRequest struct {
	Instrument string
	Side       core.Side
	Type       core.OrderType
	Price      decimal.Decimal
	Amount     decimal.Decimal
}

// Place checks limits, submits the order and, once acknowledged, adds it to
// the instrument's book.
func (t *Trader) Place(ctx context.Context, req PlaceRequest) (*core.Order, error) {
	if req.Type == "" {
		req.Type = core.TypeLimit
	}
	if err := t.checkSize(req.Amount); err != nil {
		return nil, err
	}
	book := t.books.GetOrderBook(req.Instrument)
	if book == nil {
		return nil, fmt.Errorf("%w: no book for %s", core.ErrNotFound, req.Instrument)
	}

	order, err := core.NewOrder(req.Instrument, req.Side, req.Type, req.Price.InexactFloat64(), req.Amount.InexactFloat64())
	if err != nil {
		return nil, err
	}

	t.sweep()
	if err := t.reserve(); err != nil {
		return nil, err
	}
	defer t.release()

	label := uuid.NewString()
	res, err := t.exec.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Amount:     req.Amount,
		Label:      label,
	})
	if err != nil {
		order.SetStatus(core.StatusRejected)
		t.publish(ctx, messaging.EventRejected, order, label, err.Error())
		return nil, err
	}

	if err := order.SetOrderID(res.Order.OrderID); err != nil {
		return nil, fmt.Errorf("acknowledgement for %s: %w", label, err)
	}
	t.applyState(order, res.Order)

	if order.IsActive() {
		if err := book.AddOrder(order); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.orders[order.ID()] = order
		t.mu.Unlock()
	}

	t.logger.Info().
		Str("order_id", order.ID()).
		Str("instrument", req.Instrument).
		Str("side", req.Side.String()).
		Str("price", req.Price.String()).
		Str("amount", req.Amount.String()).
		Str("status", string(order.Status())).
		Msg("Order placed")

	t.publish(ctx, messaging.EventPlaced, order, label, "")
	return order, nil
}

// Cancel cancels an order at the venue and drops it from its book
func (t *Trader) Cancel(ctx context.Context, orderID string) error {
	state, err := t.exec.Cancel(ctx, orderID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	order, tracked := t.orders[orderID]
	delete(t.orders, orderID)
	t.mu.Unlock()

	if !tracked {
		t.logger.Debug().Str("order_id", orderID).Msg("Cancelled untracked order")
		return nil
	}

	// Leave the book before the venue fill changes the remaining amount
	if book := t.books.GetOrderBook(order.Instrument()); book != nil {
		book.RemoveOrder(orderID)
	}
	t.applyState(order, *state)
	if order.IsActive() {
		order.SetStatus(core.StatusCancelled)
	}

	t.logger.Info().Str("order_id", orderID).Msg("Order cancelled")
	t.publish(ctx, messaging.EventCancelled, order, state.Label, "")
	return nil
}

// Modify edits a tracked order at the venue, then moves it in its book
func (t *Trader) Modify(ctx context.Context, orderID string, price, amount decimal.Decimal) (*core.Order, error) {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %q", core.ErrNotFound, orderID)
	}
	if err := t.checkSize(amount); err != nil {
		return nil, err
	}

	book := t.books.GetOrderBook(order.Instrument())
	if book == nil || book.GetOrder(orderID) != order {
		t.untrack(order)
		return nil, fmt.Errorf("%w: order %q no longer rests in its book", core.ErrNotFound, orderID)
	}

	res, err := t.exec.Edit(ctx, orderID, price, amount)
	if err != nil {
		return nil, err
	}

	if err := book.ModifyOrder(orderID, price.InexactFloat64(), amount.InexactFloat64()); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			t.untrack(order)
		}
		return nil, fmt.Errorf("edited %s at the venue: %w", orderID, err)
	}
	if err := book.UpdateOrderState(orderID, res.Order.FilledAmount.InexactFloat64(), res.Order.Status()); err != nil {
		t.logger.Warn().Err(err).Str("order_id", orderID).Msg("Ignoring venue fill")
	}
	if !order.IsActive() {
		t.untrack(order)
	}

	t.logger.Info().
		Str("order_id", orderID).
		Str("price", price.String()).
		Str("amount", amount.String()).
		Msg("Order modified")

	t.publish(ctx, messaging.EventModified, order, res.Order.Label, "")
	return order, nil
}

// Open returns the tracked active orders still resting in their books,
// oldest first
func (t *Trader) Open() []*core.Order {
	t.sweep()

	t.mu.Lock()
	defer t.mu.Unlock()

	open := make([]*core.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if o.IsActive() {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt().Before(open[j].CreatedAt())
	})
	return open
}

// Bootstrap seeds the instrument's book from a REST depth snapshot. The next
// feed snapshot replaces it.
func (t *Trader) Bootstrap(ctx context.Context, instrument string, depth int) error {
	book := t.books.GetOrderBook(instrument)
	if book == nil {
		return fmt.Errorf("%w: no book for %s", core.ErrNotFound, instrument)
	}

	snap, err := t.exec.GetOrderBook(ctx, instrument, depth)
	if err != nil {
		return err
	}
	bids, asks := snap.Levels()
	if err := book.UpdateFromSnapshot(bids, asks); err != nil {
		return fmt.Errorf("bootstrap %s: %w", instrument, err)
	}

	t.logger.Info().
		Str("instrument", instrument).
		Int("bids", len(bids)).
		Int("asks", len(asks)).
		Msg("Book bootstrapped")
	return nil
}

func (t *Trader) checkSize(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", core.ErrInvalidArgument, amount)
	}
	if !t.limits.MinOrderSize.IsZero() && amount.LessThan(t.limits.MinOrderSize) {
		return fmt.Errorf("%w: amount %s below minimum %s", ErrLimitExceeded, amount, t.limits.MinOrderSize)
	}
	if !t.limits.MaxOrderSize.IsZero() && amount.GreaterThan(t.limits.MaxOrderSize) {
		return fmt.Errorf("%w: amount %s above maximum %s", ErrLimitExceeded, amount, t.limits.MaxOrderSize)
	}
	return nil
}

// reserve counts an in-flight placement against the open order limit
func (t *Trader) reserve() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limits.MaxOpenOrders > 0 {
		open := t.inflight
		for _, o := range t.orders {
			if o.IsActive() {
				open++
			}
		}
		if open >= t.limits.MaxOpenOrders {
			return fmt.Errorf("%w: %d open orders", ErrLimitExceeded, open)
		}
	}
	t.inflight++
	return nil
}

func (t *Trader) release() {
	t.mu.Lock()
	t.inflight--
	t.mu.Unlock()
}

func (t *Trader) untrack(order *core.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.orders[order.ID()] == order {
		delete(t.orders, order.ID())
	}
}

// sweep untracks orders their book no longer holds, e.g. after the feed
// emptied their level. Books are queried without the trader lock held.
func (t *Trader) sweep() {
	t.mu.Lock()
	tracked := make([]*core.Order, 0, len(t.orders))
	for _, o := range t.orders {
		tracked = append(tracked, o)
	}
	t.mu.Unlock()

	for _, o := range tracked {
		book := t.books.GetOrderBook(o.Instrument())
		if book != nil && book.GetOrder(o.ID()) == o {
			continue
		}
		t.untrack(o)
		t.logger.Warn().
			Str("order_id", o.ID()).
			Str("instrument", o.Instrument()).
			Msg("Order dropped from its book, no longer tracked")
	}
}

// applyState copies the venue's fill and status onto an order that is not
// resting in a book
func (t *Trader) applyState(order *core.Order, state exchange.OrderState) {
	if err := order.SetFilledAmount(state.FilledAmount.InexactFloat64()); err != nil {
		t.logger.Warn().Err(err).Str("order_id", order.ID()).Msg("Ignoring venue fill")
	}
	if status := state.Status(); status != core.StatusPending {
		order.SetStatus(status)
	}
}

func (t *Trader) publish(ctx context.Context, kind messaging.OrderEventType, order *core.Order, label, reason string) {
	if t.events == nil {
		return
	}
	event := &messaging.OrderEvent{
		Type:         kind,
		OrderID:      order.ID(),
		Label:        label,
		Instrument:   order.Instrument(),
		Side:         order.Side().String(),
		OrderType:    string(order.Type()),
		Status:       string(order.Status()),
		Price:        decimal.NewFromFloat(order.Price()).String(),
		Amount:       decimal.NewFromFloat(order.Amount()).String(),
		FilledAmount: decimal.NewFromFloat(order.FilledAmount()).String(),
		Reason:       reason,
		Timestamp:    order.UpdatedAt().UTC().Truncate(time.Millisecond),
	}
	if err := t.events.SendOrderEvent(ctx, event); err != nil {
		t.logger.Error().Err(err).
			Str("order_id", event.OrderID).
			Str("event", string(kind)).
			Msg("Failed to publish order event")
	}
}
