package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned when a request is made while the socket is down
	ErrNotConnected = errors.New("feed not connected")
	// ErrTransportFailure wraps connection level failures
	ErrTransportFailure = errors.New("transport failure")

	errClosed = errors.New("feed client closed")
)

const (
	methodSubscribe    = "public/subscribe"
	methodUnsubscribe  = "public/unsubscribe"
	methodSetHeartbeat = "public/set_heartbeat"
	methodTest         = "public/test"
	methodHeartbeat    = "heartbeat"

	heartbeatTestRequest = "test_request"
)

// Handler receives every data frame read from the socket, one at a time
type Handler func(ctx context.Context, msg []byte)

// Config holds the connection settings
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// HeartbeatInterval in seconds. Zero leaves venue heartbeats off.
	HeartbeatInterval int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithOnConnect registers a hook that runs after every successful
// (re)connect, before frames are read. It is the place to replay
// subscriptions.
func WithOnConnect(fn func(ctx context.Context) error) Option {
	return func(c *Client) {
		c.onConnect = fn
	}
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// control is the subset of non-subscription frames the client reacts to
type control struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params struct {
		Type string `json:"type"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a reconnecting JSON-RPC websocket client for the market-data feed
type Client struct {
	cfg       Config
	handler   Handler
	onConnect func(ctx context.Context) error
	logger    zerolog.Logger
	dialer    *websocket.Dialer

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	nextID    atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client. Nothing is dialed until Run is called.
func NewClient(cfg Config, handler Handler, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  zerolog.Nop(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and reads until ctx is done or Close is called, reconnecting
// with exponential backoff whenever the connection drops. It returns nil on a
// requested shutdown.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(errClosed)
		}
		err := c.session(ctx, b)
		if c.isClosed() {
			return backoff.Permanent(errClosed)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Feed connection lost")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, errClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Subscribe requests the given channels
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	return c.send(ctx, methodSubscribe, map[string]interface{}{"channels": channels})
}

// Unsubscribe cancels the given channels
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.send(ctx, methodUnsubscribe, map[string]interface{}{"channels": channels})
}

// SetHeartbeat asks the venue to send heartbeats every interval seconds
func (c *Client) SetHeartbeat(ctx context.Context, interval int) error {
	return c.send(ctx, methodSetHeartbeat, map[string]interface{}{"interval": interval})
}

// Connected reports whether a socket is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops Run and closes the current socket
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.Close()
}

// session runs one connection from dial to the first read error
func (c *Client) session(ctx context.Context, b backoff.BackOff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	b.Reset()
	c.logger.Info().Str("url", c.cfg.URL).Msg("Feed connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Unblock ReadMessage on shutdown
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-c.closed:
			conn.Close()
		case <-done:
		}
	}()

	if c.cfg.HeartbeatInterval > 0 {
		if err := c.SetHeartbeat(ctx, c.cfg.HeartbeatInterval); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to enable heartbeats")
		}
	}
	if c.onConnect != nil {
		if err := c.onConnect(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Connect hook failed")
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransportFailure, err)
		}
		if c.handleControl(ctx, msg) {
			continue
		}
		if c.handler != nil {
			c.handler(ctx, msg)
		}
	}
}

// handleControl answers heartbeats and logs request errors. It returns true
// when the frame was consumed.
func (c *Client) handleControl(ctx context.Context, msg []byte) bool {
	if bytes.Contains(msg, []byte(`"subscription"`)) {
		return false
	}

	var ctl control
	if err := json.Unmarshal(msg, &ctl); err != nil {
		return false
	}

	if ctl.Method == methodHeartbeat {
		if ctl.Params.Type == heartbeatTestRequest {
			if err := c.send(ctx, methodTest, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to answer heartbeat")
			}
		}
		return true
	}
	if ctl.Error != nil {
		c.logger.Warn().
			Int64("id", ctl.ID).
			Int("code", ctl.Error.Code).
			Str("message", ctl.Error.Message).
			Msg("Feed request failed")
	}
	return false
}

func (c *Client) send(ctx context.Context, method string, params interface{}) error {
	req := request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportFailure, method, err)
	}

	c.logger.Debug().Str("method", method).Int64("id", req.ID).Msg("Sent feed request")
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
