package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/otel"
)

// ErrParseFailure marks a feed message that could not be decoded or applied
var ErrParseFailure = errors.New("parse failure")

// Transport sends subscription requests to the feed
type Transport interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
}

// Callback receives the raw payload of a routed feed message. channelType is
// the part of the channel name after the instrument.
type Callback func(instrument, channelType string, data json.RawMessage)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger. Books created by the manager inherit it.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBookOptions sets options applied to every OrderBook the manager creates
func WithBookOptions(opts ...core.Option) Option {
	return func(m *Manager) {
		m.bookOpts = append(m.bookOpts, opts...)
	}
}

// WithMetrics overrides the feed metric instruments
func WithMetrics(metrics *otel.FeedMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager routes feed messages to per-instrument order books and keeps track
// of which channels are subscribed.
//
// The manager lock guards the maps and callbacks only. It is released before
// any OrderBook method, transport request or callback runs.
type Manager struct {
	mu            sync.RWMutex
	transport     Transport
	books         map[string]*core.OrderBook
	subscriptions map[string]bool

	onBook   Callback
	onTrade  Callback
	onTicker Callback

	bookOpts []core.Option
	logger   zerolog.Logger
	metrics  *otel.FeedMetrics
	stats    *statsRecorder
}

// NewManager creates a Manager that subscribes through transport. A nil
// transport keeps subscription bookkeeping local.
func NewManager(transport Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:     transport,
		books:         make(map[string]*core.OrderBook),
		subscriptions: make(map[string]bool),
		logger:        zerolog.Nop(),
		stats:         newStatsRecorder(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = otel.GetFeedMetrics()
	}
	return m
}

// Subscribe subscribes to the selected channels of an instrument. The
// instrument's OrderBook is created before its book channel is marked active.
// Channels that are already active are skipped without a transport request.
func (m *Manager) Subscribe(ctx context.Context, instrument string, orderbook, trades, ticker bool) error {
	if instrument == "" || strings.Contains(instrument, channelSeparator) {
		return fmt.Errorf("%w: instrument %q", core.ErrInvalidArgument, instrument)
	}

	m.mu.Lock()
	if orderbook {
		if _, ok := m.books[instrument]; !ok {
			m.books[instrument] = m.newBook(instrument)
		}
	}
	pending := m.markLocked(selectChannels(instrument, orderbook, trades, ticker), true)
	m.mu.Unlock()

	if len(pending) == 0 || m.transport == nil {
		return nil
	}
	if err := m.transport.Subscribe(ctx, pending...); err != nil {
		m.mu.Lock()
		m.markLocked(pending, false)
		m.mu.Unlock()
		return fmt.Errorf("subscribe %v: %w", pending, err)
	}

	m.logger.Info().Strs("channels", pending).Msg("Subscribed")
	return nil
}

// Unsubscribe reverses Subscribe for the selected channels. The OrderBook is
// kept so a later resubscription starts from the last known state.
func (m *Manager) Unsubscribe(ctx context.Context, instrument string, orderbook, trades, ticker bool) error {
	m.mu.Lock()
	pending := m.markLocked(selectChannels(instrument, orderbook, trades, ticker), false)
	m.mu.Unlock()

	if len(pending) == 0 || m.transport == nil {
		return nil
	}
	if err := m.transport.Unsubscribe(ctx, pending...); err != nil {
		m.mu.Lock()
		m.markLocked(pending, true)
		m.mu.Unlock()
		return fmt.Errorf("unsubscribe %v: %w", pending, err)
	}

	m.logger.Info().Strs("channels", pending).Msg("Unsubscribed")
	return nil
}

// SubscribeOrderBook subscribes to an instrument's book channel
func (m *Manager) SubscribeOrderBook(ctx context.Context, instrument string) error {
	return m.Subscribe(ctx, instrument, true, false, false)
}

// SubscribeTrades subscribes to an instrument's trades channel
func (m *Manager) SubscribeTrades(ctx context.Context, instrument string) error {
	return m.Subscribe(ctx, instrument, false, true, false)
}

// SubscribeTicker subscribes to an instrument's ticker channel
func (m *Manager) SubscribeTicker(ctx context.Context, instrument string) error {
	return m.Subscribe(ctx, instrument, false, false, true)
}

// UnsubscribeAll unsubscribes from every active channel
func (m *Manager) UnsubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	pending := m.markLocked(m.activeLocked(), false)
	m.mu.Unlock()

	if len(pending) == 0 || m.transport == nil {
		return nil
	}
	if err := m.transport.Unsubscribe(ctx, pending...); err != nil {
		m.mu.Lock()
		m.markLocked(pending, true)
		m.mu.Unlock()
		return fmt.Errorf("unsubscribe %v: %w", pending, err)
	}
	return nil
}

// Resubscribe replays every active channel, typically after a reconnect.
// Books are not cleared; the next snapshot replaces their levels.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.RLock()
	channels := m.activeLocked()
	m.mu.RUnlock()

	if len(channels) == 0 || m.transport == nil {
		return nil
	}
	if err := m.transport.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("resubscribe %v: %w", channels, err)
	}
	m.logger.Info().Strs("channels", channels).Msg("Resubscribed")
	return nil
}

// IsSubscribed reports whether the channel of the given type is active
func (m *Manager) IsSubscribed(instrument, channelType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriptions[Channel(instrument, channelType)]
}

// ActiveChannels returns the active channel names in sorted order
func (m *Manager) ActiveChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

// Instruments returns the instruments that have an OrderBook, sorted
func (m *Manager) Instruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.books))
	for instrument := range m.books {
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}

// GetOrderBook returns the instrument's OrderBook or nil
func (m *Manager) GetOrderBook(instrument string) *core.OrderBook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[instrument]
}

// SetOrderBookCallback replaces the book callback. It runs after the update
// has been applied.
func (m *Manager) SetOrderBookCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBook = cb
}

// SetTradeCallback replaces the trades callback
func (m *Manager) SetTradeCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrade = cb
}

// SetTickerCallback replaces the ticker callback
func (m *Manager) SetTickerCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTicker = cb
}

// Stats returns counters and apply latency percentiles
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// HandleMessage routes one raw feed frame. Messages that are not subscription
// pushes are ignored. Decode and apply failures are logged and counted and
// never returned, so the feed loop keeps running.
func (m *Manager) HandleMessage(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.parseFailure(ctx, "envelope", err)
		return
	}
	if env.Method != methodSubscription || env.Params == nil {
		return
	}

	instrument, channelType, ok := SplitChannel(env.Params.Channel)
	if !ok {
		return
	}

	m.stats.message()
	m.metrics.IncMessages(ctx, channelType)

	data := env.Params.Data
	switch {
	case strings.Contains(channelType, TypeBook):
		if err := m.processOrderBookUpdate(ctx, instrument, data); err != nil {
			m.parseFailure(ctx, "book", err)
			return
		}
		m.invoke(ctx, m.callback(TypeBook), instrument, channelType, data)
	case strings.Contains(channelType, TypeTrades):
		m.invoke(ctx, m.callback(TypeTrades), instrument, channelType, data)
	case strings.Contains(channelType, TypeTicker):
		m.invoke(ctx, m.callback(TypeTicker), instrument, channelType, data)
	}
}

// processOrderBookUpdate decodes a book payload and applies it to the
// instrument's book. A payload for an instrument without a book is decoded
// and otherwise ignored.
func (m *Manager) processOrderBookUpdate(ctx context.Context, instrument string, data json.RawMessage) (err error) {
	payload, err := decodeBookPayload(data)
	if err != nil {
		return err
	}
	if err := payload.validate(); err != nil {
		return err
	}

	book := m.GetOrderBook(instrument)
	if book == nil {
		m.logger.Debug().Str("instrument", instrument).Msg("Book update for instrument without a book")
		return nil
	}

	kind := "incremental"
	if payload.isSnapshot() {
		kind = payloadSnapshot
	}
	ctx, span := otel.StartSpan(ctx, otel.SpanApplyBook,
		attribute.String(otel.AttributeInstrument, instrument),
		attribute.String(otel.AttributeUpdateKind, kind),
	)
	defer func() { otel.EndSpan(span, err) }()

	start := time.Now()
	if payload.isSnapshot() {
		if err := book.UpdateFromSnapshot(toVolumeMap(payload.Bids), toVolumeMap(payload.Asks)); err != nil {
			return fmt.Errorf("%w: %v", ErrParseFailure, err)
		}
		took := time.Since(start)
		m.stats.applied(true, 0, took)
		m.metrics.IncSnapshots(ctx, instrument)
		m.metrics.RecordApplyLatency(ctx, took.Seconds())
		return nil
	}

	for i, change := range payload.Changes {
		if err := book.ProcessIncrementalUpdate(change.Side, change.Price, change.Volume); err != nil {
			return fmt.Errorf("%w: change %d: %v", ErrParseFailure, i, err)
		}
	}
	took := time.Since(start)
	m.stats.applied(false, len(payload.Changes), took)
	m.metrics.AddDeltas(ctx, instrument, len(payload.Changes))
	m.metrics.RecordApplyLatency(ctx, took.Seconds())
	return nil
}

// private methods

func (m *Manager) newBook(instrument string) *core.OrderBook {
	opts := append([]core.Option{core.WithLogger(m.logger)}, m.bookOpts...)
	return core.NewOrderBook(instrument, opts...)
}

// markLocked sets the flag of each channel and returns the ones that changed
func (m *Manager) markLocked(channels []string, active bool) []string {
	changed := make([]string, 0, len(channels))
	for _, ch := range channels {
		if m.subscriptions[ch] == active {
			continue
		}
		if active {
			m.subscriptions[ch] = true
		} else {
			delete(m.subscriptions, ch)
		}
		changed = append(changed, ch)
	}
	return changed
}

func (m *Manager) activeLocked() []string {
	out := make([]string, 0, len(m.subscriptions))
	for ch, active := range m.subscriptions {
		if active {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) callback(channelType string) Callback {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch channelType {
	case TypeBook:
		return m.onBook
	case TypeTrades:
		return m.onTrade
	case TypeTicker:
		return m.onTicker
	}
	return nil
}

func (m *Manager) invoke(ctx context.Context, cb Callback, instrument, channelType string, data json.RawMessage) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("instrument", instrument).
				Str("channel_type", channelType).
				Msg("Feed callback panicked")
		}
	}()
	m.metrics.IncCallbacks(ctx, channelType)
	cb(instrument, channelType, data)
}

func (m *Manager) parseFailure(ctx context.Context, reason string, err error) {
	m.stats.parseFailure()
	m.metrics.IncParseFailures(ctx, reason)
	m.logger.Warn().Err(err).Str("reason", reason).Msg("Dropped feed message")
}

func selectChannels(instrument string, orderbook, trades, ticker bool) []string {
	channels := make([]string, 0, 3)
	if orderbook {
		channels = append(channels, Channel(instrument, TypeBook))
	}
	if trades {
		channels = append(channels, Channel(instrument, TypeTrades))
	}
	if ticker {
		channels = append(channels, Channel(instrument, TypeTicker))
	}
	return channels
}

func (p *bookPayload) validate() error {
	if p.isSnapshot() {
		if p.Bids == nil || p.Asks == nil {
			return fmt.Errorf("%w: snapshot without bids or asks", ErrParseFailure)
		}
		return nil
	}
	if p.Changes == nil {
		return fmt.Errorf("%w: incremental update without changes", ErrParseFailure)
	}
	for i, c := range p.Changes {
		if math.IsNaN(c.Price) || math.IsInf(c.Price, 0) || c.Price < 0 {
			return fmt.Errorf("%w: change %d price %v", ErrParseFailure, i, c.Price)
		}
		if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume <= -core.Epsilon {
			return fmt.Errorf("%w: change %d volume %v", ErrParseFailure, i, c.Volume)
		}
	}
	return nil
}
