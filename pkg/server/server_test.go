package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/exchange"
	"github.com/erain9/tradeclient/pkg/marketdata"
	"github.com/erain9/tradeclient/pkg/trader"
)

func startTestServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()
	s := New(Config{GRPCAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"}, status, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestServer_Health(t *testing.T) {
	s := startTestServer(t, func() Status { return Status{} })

	conn, err := grpc.NewClient(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.GetStatus())

	res, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: FeedService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, res.GetStatus())

	s.SetFeedStatus(true)
	res, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: FeedService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.GetStatus())
}

func TestServer_HTTP(t *testing.T) {
	want := Status{
		Connected: true,
		Channels:  []string{"BTC-PERPETUAL.book"},
		Feed:      marketdata.Stats{Messages: 10, Snapshots: 1, Deltas: 9},
		Books: []BookSummary{{
			Instrument: "BTC-PERPETUAL", BestBid: 100, BestAsk: 101, Spread: 1, BidLevels: 2, AskLevels: 1,
		}},
		OpenOrders: 3,
	}
	s := startTestServer(t, func() Status { return want })
	base := "http://" + s.HTTPAddr()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, want, got)

	resp, err = http.Post(base+"/status", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.SetFeedStatus(true)
	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DisabledListeners(t *testing.T) {
	s := New(Config{}, func() Status { return Status{} }, zerolog.Nop())
	require.NoError(t, s.Start())
	assert.Empty(t, s.GRPCAddr())
	assert.Empty(t, s.HTTPAddr())
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_ListenError(t *testing.T) {
	s := New(Config{GRPCAddr: "256.0.0.1:bad"}, func() Status { return Status{} }, zerolog.Nop())
	assert.Error(t, s.Start())
}

type fakeOrderEntry struct {
	placed    []trader.PlaceRequest
	cancelled []string
	open      []*core.Order
	err       error
}

func (f *fakeOrderEntry) Place(_ context.Context, req trader.PlaceRequest) (*core.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.placed = append(f.placed, req)
	order, err := core.NewOrder(req.Instrument, req.Side, req.Type, req.Price.InexactFloat64(), req.Amount.InexactFloat64())
	if err != nil {
		return nil, err
	}
	if err := order.SetOrderID("ETH-1"); err != nil {
		return nil, err
	}
	order.SetStatus(core.StatusOpen)
	f.open = append(f.open, order)
	return order, nil
}

func (f *fakeOrderEntry) Cancel(_ context.Context, orderID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrderEntry) Modify(_ context.Context, orderID string, _, _ decimal.Decimal) (*core.Order, error) {
	return nil, fmt.Errorf("%w: order %q", core.ErrNotFound, orderID)
}

func (f *fakeOrderEntry) Open() []*core.Order {
	return f.open
}

func TestServer_Orders(t *testing.T) {
	entry := &fakeOrderEntry{}
	s := New(Config{HTTPAddr: "127.0.0.1:0"}, func() Status { return Status{} }, zerolog.Nop(), WithOrderEntry(entry))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	base := "http://" + s.HTTPAddr()

	body := `{"instrument_name":"ETH-PERPETUAL","direction":"buy","price":"2500.5","amount":"0.1"}`
	resp, err := http.Post(base+"/orders", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var placed map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&placed))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ETH-1", placed["order_id"])
	assert.Equal(t, "buy", placed["direction"])

	require.Len(t, entry.placed, 1)
	assert.Equal(t, core.Buy, entry.placed[0].Side)
	assert.Equal(t, core.TypeLimit, entry.placed[0].Type)
	assert.Equal(t, "2500.5", entry.placed[0].Price.String())

	resp, err = http.Get(base + "/orders")
	require.NoError(t, err)
	var open []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&open))
	resp.Body.Close()
	require.Len(t, open, 1)
	assert.Equal(t, "ETH-1", open[0]["order_id"])

	req, err := http.NewRequest(http.MethodDelete, base+"/orders/ETH-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"ETH-1"}, entry.cancelled)

	req, err = http.NewRequest(http.MethodPut, base+"/orders/ETH-9", strings.NewReader(`{"price":"1","amount":"1"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_OrderErrors(t *testing.T) {
	entry := &fakeOrderEntry{}
	s := New(Config{HTTPAddr: "127.0.0.1:0"}, func() Status { return Status{} }, zerolog.Nop(), WithOrderEntry(entry))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	base := "http://" + s.HTTPAddr()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad side", `{"instrument_name":"ETH-PERPETUAL","direction":"up","amount":"1"}`, nil, http.StatusBadRequest},
		{"bad type", `{"instrument_name":"ETH-PERPETUAL","direction":"buy","type":"iceberg","amount":"1"}`, nil, http.StatusBadRequest},
		{"limit", `{"instrument_name":"ETH-PERPETUAL","direction":"buy","price":"1","amount":"1"}`, trader.ErrLimitExceeded, http.StatusBadRequest},
		{"rejected", `{"instrument_name":"ETH-PERPETUAL","direction":"buy","price":"1","amount":"1"}`, exchange.ErrRejected, http.StatusUnprocessableEntity},
		{"not authenticated", `{"instrument_name":"ETH-PERPETUAL","direction":"buy","price":"1","amount":"1"}`, exchange.ErrNotAuthenticated, http.StatusUnauthorized},
		{"venue down", `{"instrument_name":"ETH-PERPETUAL","direction":"buy","price":"1","amount":"1"}`, exchange.ErrRequestFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry.err = tt.err
			resp, err := http.Post(base+"/orders", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_NoOrderEntry(t *testing.T) {
	s := startTestServer(t, func() Status { return Status{} })

	resp, err := http.Get("http://" + s.HTTPAddr() + "/orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
