package core

import "time"

// LevelView is a read-only row of a BookSnapshot
type LevelView struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Orders int     `json:"orders"`
}

// BookSnapshot is a consistent, depth-limited view of an OrderBook taken
// under a single lock acquisition.
type BookSnapshot struct {
	Instrument string      `json:"instrument"`
	Timestamp  time.Time   `json:"timestamp"`
	BestBid    float64     `json:"best_bid"`
	BestAsk    float64     `json:"best_ask"`
	MidPrice   float64     `json:"mid_price"`
	Spread     float64     `json:"spread"`
	Bids       []LevelView `json:"bids"`
	Asks       []LevelView `json:"asks"`
}
