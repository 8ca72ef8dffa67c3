package exchange

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/erain9/tradeclient/pkg/core"
)

// OrderRequest describes an order to submit
type OrderRequest struct {
	Instrument string
	Side       core.Side
	Type       core.OrderType
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Label      string
}

// OrderState is the venue's view of one order
type OrderState struct {
	OrderID      string          `json:"order_id"`
	Instrument   string          `json:"instrument_name"`
	Direction    string          `json:"direction"`
	OrderType    string          `json:"order_type"`
	OrderState   string          `json:"order_state"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Label        string          `json:"label"`
	CreatedAt    int64           `json:"creation_timestamp"`
	UpdatedAt    int64           `json:"last_update_timestamp"`
}

// Status maps the venue order state onto core.OrderStatus
func (s OrderState) Status() core.OrderStatus {
	switch s.OrderState {
	case "open":
		if s.FilledAmount.IsPositive() {
			return core.StatusPartiallyFilled
		}
		return core.StatusOpen
	case "filled":
		return core.StatusFilled
	case "cancelled":
		return core.StatusCancelled
	case "rejected":
		return core.StatusRejected
	default:
		return core.StatusPending
	}
}

// Trade is a fill reported with an order result
type Trade struct {
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	Direction string          `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

// OrderResult is returned by buy, sell and edit
type OrderResult struct {
	Order  OrderState `json:"order"`
	Trades []Trade    `json:"trades"`
}

// OrderBookSnapshot is the REST depth snapshot
type OrderBookSnapshot struct {
	Instrument string       `json:"instrument_name"`
	Timestamp  int64        `json:"timestamp"`
	Bids       [][2]float64 `json:"bids"`
	Asks       [][2]float64 `json:"asks"`
	BestBid    float64      `json:"best_bid_price"`
	BestAsk    float64      `json:"best_ask_price"`
	MarkPrice  float64      `json:"mark_price"`
}

// Levels converts both sides into price to volume maps
func (s *OrderBookSnapshot) Levels() (bids, asks map[float64]float64) {
	bids = make(map[float64]float64, len(s.Bids))
	for _, l := range s.Bids {
		bids[l[0]] = l[1]
	}
	asks = make(map[float64]float64, len(s.Asks))
	for _, l := range s.Asks {
		asks[l[0]] = l[1]
	}
	return bids, asks
}

// Position is an open position in one instrument
type Position struct {
	Instrument   string          `json:"instrument_name"`
	Kind         string          `json:"kind"`
	Direction    string          `json:"direction"`
	Size         decimal.Decimal `json:"size"`
	AveragePrice decimal.Decimal `json:"average_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	FloatingPnL  decimal.Decimal `json:"floating_profit_loss"`
	RealizedPnL  decimal.Decimal `json:"realized_profit_loss"`
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}
