package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/exchange"
	"github.com/erain9/tradeclient/pkg/messaging"
)

const instrument = "ETH-PERPETUAL"

type fakeExecutor struct {
	mu       sync.Mutex
	requests []exchange.OrderRequest
	nextID   int
	state    string
	filled   decimal.Decimal
	err      error
	snapshot *exchange.OrderBookSnapshot

	cancelFilled decimal.Decimal
	editFilled   decimal.Decimal
	edits        int
}

func (f *fakeExecutor) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	state := f.state
	if state == "" {
		state = "open"
	}
	return &exchange.OrderResult{Order: exchange.OrderState{
		OrderID:      fmt.Sprintf("ETH-%d", f.nextID),
		Instrument:   req.Instrument,
		Direction:    req.Side.String(),
		OrderState:   state,
		Price:        req.Price,
		Amount:       req.Amount,
		FilledAmount: f.filled,
		Label:        req.Label,
	}}, nil
}

func (f *fakeExecutor) Cancel(_ context.Context, orderID string) (*exchange.OrderState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &exchange.OrderState{OrderID: orderID, OrderState: "cancelled", FilledAmount: f.cancelFilled}, nil
}

func (f *fakeExecutor) Edit(_ context.Context, orderID string, price, amount decimal.Decimal) (*exchange.OrderResult, error) {
	f.edits++
	if f.err != nil {
		return nil, f.err
	}
	return &exchange.OrderResult{Order: exchange.OrderState{
		OrderID:      orderID,
		OrderState:   "open",
		Price:        price,
		Amount:       amount,
		FilledAmount: f.editFilled,
	}}, nil
}

func (f *fakeExecutor) GetOrderBook(_ context.Context, name string, _ int) (*exchange.OrderBookSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type bookMap map[string]*core.OrderBook

func (b bookMap) GetOrderBook(name string) *core.OrderBook {
	return b[name]
}

func newTestTrader(exec *fakeExecutor, limits Limits) (*Trader, *core.OrderBook, *messaging.Recorder) {
	book := core.NewOrderBook(instrument)
	rec := messaging.NewRecorder()
	tr := New(exec, bookMap{instrument: book}, limits, WithEventSender(rec))
	return tr, book, rec
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func defaultLimits() Limits {
	return Limits{
		MinOrderSize:  dec("0.0001"),
		MaxOrderSize:  dec("10"),
		MaxOpenOrders: 100,
	}
}

func TestTrader_Place(t *testing.T) {
	exec := &fakeExecutor{}
	tr, book, rec := newTestTrader(exec, defaultLimits())

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument,
		Side:       core.Buy,
		Price:      dec("2500.5"),
		Amount:     dec("0.1"),
	})
	require.NoError(t, err)

	assert.Equal(t, "ETH-1", order.ID())
	assert.Equal(t, core.StatusOpen, order.Status())
	assert.Equal(t, core.TypeLimit, order.Type())
	assert.Same(t, order, book.GetOrder("ETH-1"))
	assert.Equal(t, 2500.5, book.BestBid())
	assert.Equal(t, []*core.Order{order}, tr.Open())

	require.Len(t, exec.requests, 1)
	label := exec.requests[0].Label
	_, err = uuid.Parse(label)
	assert.NoError(t, err)

	events := rec.OrderEvents()
	require.Len(t, events, 1)
	assert.Equal(t, messaging.EventPlaced, events[0].Type)
	assert.Equal(t, label, events[0].Label)
	assert.Equal(t, "ETH-1", events[0].OrderID)
	assert.Equal(t, "buy", events[0].Side)
	assert.Equal(t, "2500.5", events[0].Price)
	assert.Equal(t, "0.1", events[0].Amount)
	assert.Equal(t, "open", events[0].Status)
}

func TestTrader_PlaceLimits(t *testing.T) {
	limits := defaultLimits()
	limits.MaxOpenOrders = 1

	tests := []struct {
		name    string
		amount  string
		wantErr error
	}{
		{"zero", "0", core.ErrInvalidArgument},
		{"negative", "-1", core.ErrInvalidArgument},
		{"below minimum", "0.00001", ErrLimitExceeded},
		{"above maximum", "10.5", ErrLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			tr, _, _ := newTestTrader(exec, limits)
			_, err := tr.Place(context.Background(), PlaceRequest{
				Instrument: instrument, Side: core.Sell, Price: dec("100"), Amount: dec(tt.amount),
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, exec.requests)
		})
	}

	t.Run("max open orders", func(t *testing.T) {
		exec := &fakeExecutor{}
		tr, _, _ := newTestTrader(exec, limits)
		req := PlaceRequest{Instrument: instrument, Side: core.Sell, Price: dec("100"), Amount: dec("1")}

		_, err := tr.Place(context.Background(), req)
		require.NoError(t, err)
		_, err = tr.Place(context.Background(), req)
		assert.ErrorIs(t, err, ErrLimitExceeded)
		assert.Len(t, exec.requests, 1)
	})
}

func TestTrader_PlaceWithoutBook(t *testing.T) {
	tr, _, _ := newTestTrader(&fakeExecutor{}, defaultLimits())
	_, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: "BTC-PERPETUAL", Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTrader_PlaceRejected(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("%w: not enough funds", exchange.ErrRejected)}
	tr, book, rec := newTestTrader(exec, defaultLimits())

	_, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	assert.ErrorIs(t, err, exchange.ErrRejected)
	assert.Empty(t, tr.Open())
	assert.Empty(t, book.Orders())

	events := rec.OrderEvents()
	require.Len(t, events, 1)
	assert.Equal(t, messaging.EventRejected, events[0].Type)
	assert.Equal(t, "rejected", events[0].Status)
	assert.Contains(t, events[0].Reason, "not enough funds")

	// a rejection frees the reserved slot
	exec.err = nil
	_, err = tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	assert.NoError(t, err)
}

func TestTrader_PlaceFilledImmediately(t *testing.T) {
	exec := &fakeExecutor{state: "filled", filled: dec("1")}
	tr, book, rec := newTestTrader(exec, defaultLimits())

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, order.Status())
	assert.Equal(t, 1.0, order.FilledAmount())
	assert.Nil(t, book.GetOrder(order.ID()))
	assert.Empty(t, tr.Open())
	assert.Equal(t, "filled", rec.OrderEvents()[0].Status)
}

func TestTrader_Cancel(t *testing.T) {
	exec := &fakeExecutor{}
	tr, book, rec := newTestTrader(exec, defaultLimits())

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Sell, Price: dec("101"), Amount: dec("2"),
	})
	require.NoError(t, err)

	require.NoError(t, tr.Cancel(context.Background(), order.ID()))
	assert.Equal(t, core.StatusCancelled, order.Status())
	assert.Nil(t, book.GetOrder(order.ID()))
	assert.Equal(t, 0, book.Depth(core.Sell))
	assert.Empty(t, tr.Open())

	events := rec.OrderEvents()
	require.Len(t, events, 2)
	assert.Equal(t, messaging.EventCancelled, events[1].Type)

	// untracked orders are cancelled at the venue only
	require.NoError(t, tr.Cancel(context.Background(), "ETH-99"))
	assert.Len(t, rec.OrderEvents(), 2)

	exec.err = errors.New("timeout")
	assert.Error(t, tr.Cancel(context.Background(), "ETH-99"))
}

func TestTrader_Modify(t *testing.T) {
	exec := &fakeExecutor{}
	tr, book, rec := newTestTrader(exec, defaultLimits())

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	require.NoError(t, err)

	modified, err := tr.Modify(context.Background(), order.ID(), dec("101"), dec("2"))
	require.NoError(t, err)
	assert.Same(t, order, modified)
	assert.Equal(t, 101.0, order.Price())
	assert.Equal(t, 2.0, order.Amount())

	levels := book.BidLevels()
	require.Len(t, levels, 1)
	assert.Equal(t, 101.0, levels[0].Price())
	assert.Equal(t, 2.0, levels[0].TotalVolume())

	events := rec.OrderEvents()
	require.Len(t, events, 2)
	assert.Equal(t, messaging.EventModified, events[1].Type)
	assert.Equal(t, "101", events[1].Price)

	_, err = tr.Modify(context.Background(), "missing", dec("1"), dec("1"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = tr.Modify(context.Background(), order.ID(), dec("101"), dec("50"))
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestTrader_CancelAfterPartialFill(t *testing.T) {
	exec := &fakeExecutor{}
	tr, book, _ := newTestTrader(exec, defaultLimits())

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("5"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, book.Depth(core.Buy))

	exec.cancelFilled = dec("2")
	require.NoError(t, tr.Cancel(context.Background(), order.ID()))

	assert.Equal(t, 2.0, order.FilledAmount())
	assert.Equal(t, core.StatusCancelled, order.Status())
	assert.Equal(t, 0, book.Depth(core.Buy))
	assert.Equal(t, 0.0, book.BestBid())
}

func TestTrader_ModifyAppliesVenueFill(t *testing.T) {
	exec := &fakeExecutor{}
	tr, book, _ := newTestTrader(exec, defaultLimits())

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("2"),
	})
	require.NoError(t, err)

	exec.editFilled = dec("1")
	_, err = tr.Modify(context.Background(), order.ID(), dec("101"), dec("3"))
	require.NoError(t, err)

	assert.Equal(t, core.StatusPartiallyFilled, order.Status())
	levels := book.BidLevels()
	require.Len(t, levels, 1)
	assert.Equal(t, 101.0, levels[0].Price())
	assert.Equal(t, 2.0, levels[0].TotalVolume())
	assert.Equal(t, []*core.Order{order}, tr.Open())
}

func TestTrader_OrderDroppedByFeed(t *testing.T) {
	limits := defaultLimits()
	limits.MaxOpenOrders = 1
	exec := &fakeExecutor{}
	tr, book, _ := newTestTrader(exec, limits)

	order, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	require.NoError(t, err)

	// the feed empties the level the order rests at
	require.NoError(t, book.ProcessIncrementalUpdate(core.Buy, 100, 0))
	require.Nil(t, book.GetOrder(order.ID()))

	assert.Empty(t, tr.Open())

	_, err = tr.Modify(context.Background(), order.ID(), dec("99"), dec("1"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 0, exec.edits)

	// the slot is free again
	_, err = tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("99"), Amount: dec("1"),
	})
	assert.NoError(t, err)
}

func TestTrader_Bootstrap(t *testing.T) {
	exec := &fakeExecutor{snapshot: &exchange.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       [][2]float64{{100, 5}, {99, 1}},
		Asks:       [][2]float64{{101, 3}},
	}}
	tr, book, _ := newTestTrader(exec, defaultLimits())

	require.NoError(t, tr.Bootstrap(context.Background(), instrument, 10))
	assert.Equal(t, 100.0, book.BestBid())
	assert.Equal(t, 101.0, book.BestAsk())
	assert.Equal(t, 2, book.Depth(core.Buy))

	err := tr.Bootstrap(context.Background(), "BTC-PERPETUAL", 10)
	assert.ErrorIs(t, err, core.ErrNotFound)

	exec.snapshot = &exchange.OrderBookSnapshot{Bids: [][2]float64{{-1, 5}}}
	err = tr.Bootstrap(context.Background(), instrument, 10)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	assert.Equal(t, 100.0, book.BestBid())
}

func TestTrader_EventFailureDoesNotFailPlace(t *testing.T) {
	exec := &fakeExecutor{}
	tr, _, rec := newTestTrader(exec, defaultLimits())
	rec.FailWith(errors.New("broker down"))

	_, err := tr.Place(context.Background(), PlaceRequest{
		Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("1"),
	})
	assert.NoError(t, err)
	assert.Len(t, tr.Open(), 1)
}

func TestTrader_ConcurrentPlace(t *testing.T) {
	limits := defaultLimits()
	limits.MaxOpenOrders = 10
	exec := &fakeExecutor{}
	tr, book, _ := newTestTrader(exec, limits)

	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Place(context.Background(), PlaceRequest{
				Instrument: instrument, Side: core.Buy, Price: dec("100"), Amount: dec("0.1"),
			})
			if err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, placed)
	assert.Len(t, tr.Open(), 10)
	assert.Len(t, book.Orders(), 10)
}
