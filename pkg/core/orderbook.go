package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
)

const btreeDegree = 32

// bookSide keeps the price levels of one side sorted by price. Bids are
// walked from the highest price, asks from the lowest.
type bookSide struct {
	side   Side
	levels *btree.Map[float64, *PriceLevel]
}

func newBookSide(side Side) *bookSide {
	return &bookSide{
		side:   side,
		levels: btree.NewMap[float64, *PriceLevel](btreeDegree),
	}
}

func (s *bookSide) best() (*PriceLevel, bool) {
	if s.side == Buy {
		_, level, ok := s.levels.Max()
		return level, ok
	}
	_, level, ok := s.levels.Min()
	return level, ok
}

// each visits levels best first until fn returns false
func (s *bookSide) each(fn func(level *PriceLevel) bool) {
	iter := func(_ float64, level *PriceLevel) bool {
		return fn(level)
	}
	if s.side == Buy {
		s.levels.Reverse(iter)
		return
	}
	s.levels.Scan(iter)
}

func (s *bookSide) get(price float64) (*PriceLevel, bool) {
	return s.levels.Get(price)
}

func (s *bookSide) getOrCreate(price float64) *PriceLevel {
	if level, ok := s.levels.Get(price); ok {
		return level
	}
	level := newPriceLevel(price)
	s.levels.Set(price, level)
	return level
}

func (s *bookSide) delete(price float64) {
	s.levels.Delete(price)
}

func (s *bookSide) len() int {
	return s.levels.Len()
}

func (s *bookSide) reset() {
	s.levels = btree.NewMap[float64, *PriceLevel](btreeDegree)
}

func (s *bookSide) clone() []*PriceLevel {
	levels := make([]*PriceLevel, 0, s.len())
	s.each(func(level *PriceLevel) bool {
		levels = append(levels, level.clone())
		return true
	})
	return levels
}

func (s *bookSide) view(depth int) []LevelView {
	rows := make([]LevelView, 0)
	s.each(func(level *PriceLevel) bool {
		if depth > 0 && len(rows) >= depth {
			return false
		}
		rows = append(rows, LevelView{
			Price:  level.price,
			Volume: level.totalVolume,
			Orders: len(level.orders),
		})
		return true
	})
	return rows
}

// Option configures an OrderBook
type Option func(*OrderBook)

// WithLogger sets the logger used for book events
func WithLogger(logger zerolog.Logger) Option {
	return func(ob *OrderBook) {
		ob.logger = logger
	}
}

// WithScalePolicy sets how local orders are reconciled with a smaller feed volume
func WithScalePolicy(policy ScalePolicy) Option {
	return func(ob *OrderBook) {
		if policy != nil {
			ob.scale = policy
		}
	}
}

// OrderBook is a passive replica of one instrument's depth on one venue.
// Crossed books reported by the feed are kept as they are.
type OrderBook struct {
	mu         sync.Mutex
	instrument string
	bids       *bookSide
	asks       *bookSide
	orders     map[string]*Order
	scale      ScalePolicy
	logger     zerolog.Logger
}

// NewOrderBook creates an empty OrderBook for the instrument
func NewOrderBook(instrument string, opts ...Option) *OrderBook {
	ob := &OrderBook{
		instrument: instrument,
		bids:       newBookSide(Buy),
		asks:       newBookSide(Sell),
		orders:     make(map[string]*Order),
		scale:      ProportionalScale{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ob)
	}
	ob.logger = ob.logger.With().Str("instrument", instrument).Logger()
	return ob
}

// Instrument returns the instrument this book mirrors
func (ob *OrderBook) Instrument() string {
	return ob.instrument
}

// AddOrder inserts an acknowledged local order into its price level
func (ob *OrderBook) AddOrder(order *Order) error {
	if order == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidArgument)
	}
	if order.Instrument() != ob.instrument {
		return fmt.Errorf("%w: order for %q added to %q book", ErrInvalidArgument, order.Instrument(), ob.instrument)
	}
	id := order.ID()
	if id == "" {
		return fmt.Errorf("%w: order has no id", ErrInvalidArgument)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orders[id]; exists {
		return fmt.Errorf("%w: order %q already exists", ErrInvalidArgument, id)
	}

	ob.orders[id] = order
	ob.addToLevel(order)
	return nil
}

// RemoveOrder removes a local order. Unknown IDs are ignored.
func (ob *OrderBook) RemoveOrder(orderID string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[orderID]
	if !ok {
		return
	}
	ob.removeFromLevel(order)
	delete(ob.orders, orderID)
}

// ModifyOrder moves a local order to a new price and amount
func (ob *OrderBook) ModifyOrder(orderID string, newPrice, newAmount float64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %q", ErrNotFound, orderID)
	}
	if err := order.validateReprice(newPrice, newAmount); err != nil {
		return err
	}

	ob.removeFromLevel(order)
	order.reprice(newPrice, newAmount)
	ob.addToLevel(order)
	return nil
}

// UpdateOrderState applies a venue-reported fill and status to a resting
// order, moving its remaining amount in the level. An order that is no longer
// active leaves the book. A pending status leaves the status to the fill.
func (ob *OrderBook) UpdateOrderState(orderID string, filled float64, status OrderStatus) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %q", ErrNotFound, orderID)
	}

	ob.removeFromLevel(order)
	err := order.SetFilledAmount(filled)
	if err == nil && status != StatusPending {
		order.SetStatus(status)
	}
	if !order.IsActive() {
		delete(ob.orders, orderID)
		return nil
	}
	ob.addToLevel(order)
	return err
}

// GetOrder returns the local order with the given ID or nil
func (ob *OrderBook) GetOrder(orderID string) *Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.orders[orderID]
}

// Orders returns every indexed local order
func (ob *OrderBook) Orders() []*Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	orders := make([]*Order, 0, len(ob.orders))
	for _, o := range ob.orders {
		orders = append(orders, o)
	}
	return orders
}

// BestBid returns the highest bid price, or 0 if there are no bids
func (ob *OrderBook) BestBid() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return bestPrice(ob.bids)
}

// BestAsk returns the lowest ask price, or 0 if there are no asks
func (ob *OrderBook) BestAsk() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return bestPrice(ob.asks)
}

// MidPrice returns (bestBid+bestAsk)/2, or 0 if either side is empty
func (ob *OrderBook) MidPrice() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	mid, _ := ob.midAndSpread()
	return mid
}

// Spread returns bestAsk-bestBid, or 0 if either side is empty
func (ob *OrderBook) Spread() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	_, spread := ob.midAndSpread()
	return spread
}

// BidLevels returns a deep copy of the bid levels, best first. Orders in the
// returned levels are detached from the book.
func (ob *OrderBook) BidLevels() []*PriceLevel {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.clone()
}

// AskLevels returns a deep copy of the ask levels, best first. Orders in the
// returned levels are detached from the book.
func (ob *OrderBook) AskLevels() []*PriceLevel {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.asks.clone()
}

// Depth returns the number of price levels on a side
func (ob *OrderBook) Depth(side Side) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.sideFor(side).len()
}

// Snapshot returns a consistent view limited to depth levels per side.
// A depth of zero or less returns every level.
func (ob *OrderBook) Snapshot(depth int) BookSnapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	mid, spread := ob.midAndSpread()
	return BookSnapshot{
		Instrument: ob.instrument,
		Timestamp:  time.Now(),
		BestBid:    bestPrice(ob.bids),
		BestAsk:    bestPrice(ob.asks),
		MidPrice:   mid,
		Spread:     spread,
		Bids:       ob.bids.view(depth),
		Asks:       ob.asks.view(depth),
	}
}

// Clear drops every level and the order index
func (ob *OrderBook) Clear() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids.reset()
	ob.asks.reset()
	ob.orders = make(map[string]*Order)
}

// UpdateFromSnapshot replaces both sides with feed-reported volumes and then
// folds the active local orders back into their levels. Inactive orders are
// dropped from the index.
func (ob *OrderBook) UpdateFromSnapshot(bids, asks map[float64]float64) error {
	if err := validateLevels(bids); err != nil {
		return err
	}
	if err := validateLevels(asks); err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids.reset()
	ob.asks.reset()
	installLevels(ob.bids, bids)
	installLevels(ob.asks, asks)

	for id, order := range ob.orders {
		if !order.IsActive() {
			delete(ob.orders, id)
			continue
		}
		ob.addToLevel(order)
	}

	ob.logger.Debug().
		Int("bids", ob.bids.len()).
		Int("asks", ob.asks.len()).
		Int("local_orders", len(ob.orders)).
		Msg("Applied snapshot")
	return nil
}

// ProcessIncrementalUpdate applies one (side, price, volume) change from the
// feed. A near-zero volume deletes the level along with any local orders
// resting there. Otherwise the volume replaces the level's total, and local
// orders are reconciled through the scale policy if they exceed it.
func (ob *OrderBook) ProcessIncrementalUpdate(side Side, price, newVolume float64) error {
	if !finite(price) || price < 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidArgument, price)
	}
	if !finite(newVolume) || newVolume <= -Epsilon {
		return fmt.Errorf("%w: volume %v", ErrInvalidArgument, newVolume)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	levels := ob.sideFor(side)

	if nearZero(newVolume) {
		level, ok := levels.get(price)
		if !ok {
			return nil
		}
		for id := range level.orders {
			delete(ob.orders, id)
			ob.logger.Warn().
				Str("order_id", id).
				Str("side", side.String()).
				Float64("price", price).
				Msg("Local order dropped with emptied level")
		}
		levels.delete(price)
		return nil
	}

	level := levels.getOrCreate(price)
	level.totalVolume = newVolume

	if len(level.orders) == 0 {
		return nil
	}
	if local := level.LocalVolume(); local > newVolume {
		ob.scale.Reconcile(level.Orders(), newVolume, local)
		ob.logger.Debug().
			Str("side", side.String()).
			Float64("price", price).
			Float64("feed_volume", newVolume).
			Float64("local_volume", local).
			Msg("Reconciled local orders with feed volume")
	}
	return nil
}

// private methods

func (ob *OrderBook) sideFor(side Side) *bookSide {
	if side == Buy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) addToLevel(order *Order) {
	ob.sideFor(order.Side()).getOrCreate(order.Price()).add(order)
}

func (ob *OrderBook) removeFromLevel(order *Order) {
	levels := ob.sideFor(order.Side())
	price := order.Price()

	level, ok := levels.get(price)
	if !ok {
		return
	}
	level.remove(order)
	if level.isEmpty() {
		levels.delete(price)
	}
}

func (ob *OrderBook) midAndSpread() (float64, float64) {
	bid, bidOK := ob.bids.best()
	ask, askOK := ob.asks.best()
	if !bidOK || !askOK {
		return 0, 0
	}
	return (bid.price + ask.price) / 2, ask.price - bid.price
}

func bestPrice(s *bookSide) float64 {
	level, ok := s.best()
	if !ok {
		return 0
	}
	return level.price
}

func validateLevels(levels map[float64]float64) error {
	for price, volume := range levels {
		if !finite(price) || price < 0 {
			return fmt.Errorf("%w: snapshot price %v", ErrInvalidArgument, price)
		}
		if !finite(volume) || volume <= -Epsilon {
			return fmt.Errorf("%w: snapshot volume %v at %v", ErrInvalidArgument, volume, price)
		}
	}
	return nil
}

func installLevels(s *bookSide, levels map[float64]float64) {
	for price, volume := range levels {
		if nearZero(volume) {
			continue
		}
		s.getOrCreate(price).totalVolume = volume
	}
}
