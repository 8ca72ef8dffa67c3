package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/erain9/tradeclient/pkg/core"
)

const defaultSendTimeout = 5 * time.Second

// FanoutConfig sizes a Fanout
type FanoutConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Fanout hands book snapshots to a set of sinks on background workers.
// Publish never blocks: when an instrument's queue is full the update is
// dropped and counted. Updates for one instrument always go to the same
// worker, so sinks see them in order.
type Fanout struct {
	cfg    FanoutConfig
	sinks  []BookSender
	queues []chan *BookUpdate
	logger zerolog.Logger

	mu     sync.RWMutex // guards closed against Publish
	closed bool
	wg     sync.WaitGroup

	seqMu    sync.Mutex
	sequence map[string]uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewFanout creates a Fanout. Call Start before publishing.
func NewFanout(cfg FanoutConfig, logger zerolog.Logger, sinks ...BookSender) *Fanout {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	queues := make([]chan *BookUpdate, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *BookUpdate, cfg.QueueSize)
	}
	return &Fanout{
		cfg:      cfg,
		sinks:    sinks,
		queues:   queues,
		logger:   logger,
		sequence: make(map[string]uint64),
	}
}

// Start launches the workers. They exit when Close drains the queues.
func (f *Fanout) Start(ctx context.Context) {
	for i, q := range f.queues {
		f.wg.Add(1)
		go f.worker(ctx, i, q)
	}
}

// Publish queues a snapshot for every sink. It reports false if the update
// was dropped.
func (f *Fanout) Publish(snapshot core.BookSnapshot) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}

	// Sequence assignment and enqueue happen together so a queue never holds
	// an instrument's updates out of order
	f.seqMu.Lock()
	defer f.seqMu.Unlock()

	f.sequence[snapshot.Instrument]++
	update := &BookUpdate{Sequence: f.sequence[snapshot.Instrument], BookSnapshot: snapshot}
	q := f.queues[xxhash.Sum64String(snapshot.Instrument)%uint64(len(f.queues))]

	select {
	case q <- update:
		f.published.Add(1)
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// Close stops accepting updates and waits for queued ones to be delivered
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, q := range f.queues {
		close(q)
	}
	f.mu.Unlock()

	f.wg.Wait()
}

// Published returns how many updates were queued
func (f *Fanout) Published() uint64 { return f.published.Load() }

// Dropped returns how many updates were dropped because a queue was full
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }

// Failed returns how many sink deliveries returned an error
func (f *Fanout) Failed() uint64 { return f.failed.Load() }

func (f *Fanout) worker(ctx context.Context, id int, q <-chan *BookUpdate) {
	defer f.wg.Done()
	for update := range q {
		for _, sink := range f.sinks {
			sendCtx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
			err := sink.SendBookUpdate(sendCtx, update)
			cancel()
			if err != nil {
				f.failed.Add(1)
				f.logger.Warn().
					Err(err).
					Int("worker", id).
					Str("instrument", update.Instrument).
					Uint64("sequence", update.Sequence).
					Msg("Failed to deliver book update")
			}
		}
	}
}
