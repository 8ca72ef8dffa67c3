package core

import "sort"

// PriceLevel is the aggregate resting volume at one price together with the
// local orders resting there. totalVolume is feed-reported and need not equal
// the sum of the local orders.
type PriceLevel struct {
	price       float64
	totalVolume float64
	orders      map[string]*Order
}

func newPriceLevel(price float64) *PriceLevel {
	return &PriceLevel{
		price:  price,
		orders: make(map[string]*Order),
	}
}

// Price returns the level price
func (pl *PriceLevel) Price() float64 {
	return pl.price
}

// TotalVolume returns the aggregate resting size at this price
func (pl *PriceLevel) TotalVolume() float64 {
	return pl.totalVolume
}

// OrderCount returns the number of local orders resting at this price
func (pl *PriceLevel) OrderCount() int {
	return len(pl.orders)
}

// Order returns the local order with the given ID if it rests here
func (pl *PriceLevel) Order(orderID string) (*Order, bool) {
	o, ok := pl.orders[orderID]
	return o, ok
}

// Orders returns the local orders at this price ordered by creation time
func (pl *PriceLevel) Orders() []*Order {
	orders := make([]*Order, 0, len(pl.orders))
	for _, o := range pl.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt().Before(orders[j].CreatedAt())
	})
	return orders
}

// LocalVolume returns the combined remaining amount of the local orders
func (pl *PriceLevel) LocalVolume() float64 {
	sum := 0.0
	for _, o := range pl.orders {
		sum += o.RemainingAmount()
	}
	return sum
}

func (pl *PriceLevel) add(order *Order) {
	pl.orders[order.ID()] = order
	pl.totalVolume += order.RemainingAmount()
}

func (pl *PriceLevel) remove(order *Order) bool {
	if _, ok := pl.orders[order.ID()]; !ok {
		return false
	}
	delete(pl.orders, order.ID())
	pl.totalVolume -= order.RemainingAmount()
	// Clamp accumulated float drift
	if pl.totalVolume < Epsilon {
		pl.totalVolume = 0
	}
	return true
}

// isEmpty reports whether the level should be dropped from its side
func (pl *PriceLevel) isEmpty() bool {
	return nearZero(pl.totalVolume) && len(pl.orders) == 0
}

// clone deep copies the level, including its orders
func (pl *PriceLevel) clone() *PriceLevel {
	c := &PriceLevel{
		price:       pl.price,
		totalVolume: pl.totalVolume,
		orders:      make(map[string]*Order, len(pl.orders)),
	}
	for id, o := range pl.orders {
		c.orders[id] = o.clone()
	}
	return c
}
