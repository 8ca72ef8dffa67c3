package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/otel"
)

var (
	// ErrNotAuthenticated is returned by private calls made before Authenticate
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRejected wraps a JSON-RPC error returned by the venue
	ErrRejected = errors.New("request rejected")
	// ErrRequestFailed wraps HTTP level failures
	ErrRequestFailed = errors.New("request failed")
)

const (
	methodAuth         = "public/auth"
	methodBuy          = "private/buy"
	methodSell         = "private/sell"
	methodCancel       = "private/cancel"
	methodEdit         = "private/edit"
	methodGetOrderBook = "public/get_order_book"
	methodGetPositions = "private/get_positions"

	// refresh the token this long before it expires
	tokenRefreshMargin = 30 * time.Second
	maxResponseBytes   = 4 << 20
)

// Config holds the REST endpoint settings
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// RateLimit is the sustained request rate per second, Burst the bucket size
	RateLimit float64
	Burst     int
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client calls the venue's JSON-RPC over HTTP API
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

// NewClient creates a REST client
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate exchanges the client credentials for an access token
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return fmt.Errorf("%w: missing client credentials", ErrNotAuthenticated)
	}

	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("client_secret", c.cfg.ClientSecret)

	var res authResult
	if err := c.call(ctx, methodAuth, params, "", &res); err != nil {
		return err
	}
	if res.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrNotAuthenticated)
	}

	c.mu.Lock()
	c.token = res.AccessToken
	c.expiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	c.mu.Unlock()

	c.logger.Info().Int64("expires_in", res.ExpiresIn).Msg("Authenticated")
	return nil
}

// Authenticated reports whether a token is held
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// PlaceOrder submits an order on the side given by the request
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (res *OrderResult, err error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("%w: missing instrument", core.ErrInvalidArgument)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s", core.ErrInvalidArgument, req.Amount)
	}
	if req.Type == "" {
		req.Type = core.TypeLimit
	}
	needsPrice := req.Type == core.TypeLimit || req.Type == core.TypeStopLimit
	if needsPrice && !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price %s", core.ErrInvalidArgument, req.Price)
	}

	ctx, span := otel.StartSpan(ctx, otel.SpanPlaceOrder,
		attribute.String(otel.AttributeInstrument, req.Instrument),
		attribute.String(otel.AttributeOrderSide, req.Side.String()),
		attribute.String(otel.AttributeOrderPrice, req.Price.String()),
		attribute.String(otel.AttributeAmount, req.Amount.String()),
	)
	defer func() { otel.EndSpan(span, err) }()

	params := url.Values{}
	params.Set("instrument_name", req.Instrument)
	params.Set("amount", req.Amount.String())
	params.Set("type", string(req.Type))
	if needsPrice {
		params.Set("price", req.Price.String())
	}
	if req.Label != "" {
		params.Set("label", req.Label)
	}

	method := methodSell
	if req.Side == core.Buy {
		method = methodBuy
	}

	res = &OrderResult{}
	if err := c.callPrivate(ctx, method, params, res); err != nil {
		return nil, err
	}
	otel.AddAttributes(span, attribute.String(otel.AttributeOrderID, res.Order.OrderID))
	return res, nil
}

// Buy places a buy limit order
func (c *Client) Buy(ctx context.Context, instrument string, price, amount decimal.Decimal) (*OrderResult, error) {
	return c.PlaceOrder(ctx, OrderRequest{Instrument: instrument, Side: core.Buy, Type: core.TypeLimit, Price: price, Amount: amount})
}

// Sell places a sell limit order
func (c *Client) Sell(ctx context.Context, instrument string, price, amount decimal.Decimal) (*OrderResult, error) {
	return c.PlaceOrder(ctx, OrderRequest{Instrument: instrument, Side: core.Sell, Type: core.TypeLimit, Price: price, Amount: amount})
}

// Cancel cancels an order and returns its final state
func (c *Client) Cancel(ctx context.Context, orderID string) (*OrderState, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing order id", core.ErrInvalidArgument)
	}
	params := url.Values{}
	params.Set("order_id", orderID)

	var state OrderState
	if err := c.callPrivate(ctx, methodCancel, params, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Edit changes the price and amount of an open order
func (c *Client) Edit(ctx context.Context, orderID string, price, amount decimal.Decimal) (*OrderResult, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing order id", core.ErrInvalidArgument)
	}
	if !amount.IsPositive() || price.IsNegative() {
		return nil, fmt.Errorf("%w: price %s amount %s", core.ErrInvalidArgument, price, amount)
	}
	params := url.Values{}
	params.Set("order_id", orderID)
	params.Set("price", price.String())
	params.Set("amount", amount.String())

	var res OrderResult
	if err := c.callPrivate(ctx, methodEdit, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOrderBook fetches a depth snapshot. A depth of zero uses the venue default.
func (c *Client) GetOrderBook(ctx context.Context, instrument string, depth int) (*OrderBookSnapshot, error) {
	params := url.Values{}
	params.Set("instrument_name", instrument)
	if depth > 0 {
		params.Set("depth", strconv.Itoa(depth))
	}

	var snap OrderBookSnapshot
	if err := c.call(ctx, methodGetOrderBook, params, "", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetPositions lists open positions in a currency
func (c *Client) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	params := url.Values{}
	params.Set("currency", currency)

	var positions []Position
	if err := c.callPrivate(ctx, methodGetPositions, params, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// callPrivate attaches the bearer token, refreshing it when it is about to
// expire
func (c *Client) callPrivate(ctx context.Context, method string, params url.Values, out interface{}) error {
	c.mu.RLock()
	token, expiry := c.token, c.expiry
	c.mu.RUnlock()

	if token == "" {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, method)
	}
	if time.Until(expiry) < tokenRefreshMargin {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
		c.mu.RLock()
		token = c.token
		c.mu.RUnlock()
	}
	return c.call(ctx, method, params, token, out)
}

func (c *Client) call(ctx context.Context, method string, params url.Values, token string, out interface{}) (err error) {
	ctx, span := otel.StartSpan(ctx, otel.SpanExchangeCall, attribute.String(otel.AttributeMethod, method))
	defer func() { otel.EndSpan(span, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequestFailed, method, err)
	}

	endpoint := c.cfg.BaseURL + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequestFailed, method, err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequestFailed, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrRequestFailed, method, err)
	}

	c.logger.Debug().
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Exchange call")

	var rpc rpcResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		return fmt.Errorf("%w: %s: status %d: %v", ErrRequestFailed, method, resp.StatusCode, err)
	}
	if rpc.Error != nil {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrRejected, method, rpc.Error.Message, rpc.Error.Code)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: status %d", ErrRequestFailed, method, resp.StatusCode)
	}
	if out == nil || len(rpc.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrRequestFailed, method, err)
	}
	return nil
}
