package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/erain9/tradeclient/pkg/messaging"
)

// ErrNoSnapshot is returned when nothing has been stored for an instrument
var ErrNoSnapshot = errors.New("no snapshot stored")

// RedisOptions represents configuration options for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a new Redis client
func NewClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// TopOfBook is the summary kept in a hash per instrument
type TopOfBook struct {
	Sequence uint64
	BestBid  float64
	BestAsk  float64
	Mid      float64
	Spread   float64
}

// BookStore mirrors book updates into Redis. For each instrument it keeps the
// latest snapshot as JSON, a top-of-book hash, and publishes every update on
// a pub/sub channel.
type BookStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewBookStore creates a store writing under prefix. A zero ttl keeps keys
// forever.
func NewBookStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *BookStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *BookStore) snapshotKey(instrument string) string {
	return fmt.Sprintf("%s:book:%s", s.prefix, instrument)
}

func (s *BookStore) topKey(instrument string) string {
	return fmt.Sprintf("%s:top:%s", s.prefix, instrument)
}

// Channel returns the pub/sub channel carrying updates for instrument
func (s *BookStore) Channel(instrument string) string {
	return fmt.Sprintf("%s:updates:%s", s.prefix, instrument)
}

// SendBookUpdate stores and publishes one update in a single transaction
func (s *BookStore) SendBookUpdate(ctx context.Context, update *messaging.BookUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal book update: %w", err)
	}

	topKey := s.topKey(update.Instrument)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapshotKey(update.Instrument), data, s.ttl)
	pipe.HSet(ctx, topKey,
		"sequence", update.Sequence,
		"best_bid", update.BestBid,
		"best_ask", update.BestAsk,
		"mid", update.MidPrice,
		"spread", update.Spread,
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, topKey, s.ttl)
	}
	pipe.Publish(ctx, s.Channel(update.Instrument), data)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to store book update",
			zap.String("instrument", update.Instrument),
			zap.Uint64("sequence", update.Sequence),
			zap.Error(err))
		return fmt.Errorf("failed to store book update: %w", err)
	}
	return nil
}

// Latest returns the last stored snapshot for instrument
func (s *BookStore) Latest(ctx context.Context, instrument string) (*messaging.BookUpdate, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(instrument)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w for %s", ErrNoSnapshot, instrument)
		}
		return nil, err
	}

	var update messaging.BookUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal book update: %w", err)
	}
	return &update, nil
}

// Top reads the top-of-book hash for instrument
func (s *BookStore) Top(ctx context.Context, instrument string) (*TopOfBook, error) {
	fields, err := s.client.HGetAll(ctx, s.topKey(instrument)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoSnapshot, instrument)
	}

	top := &TopOfBook{}
	if top.Sequence, err = strconv.ParseUint(fields["sequence"], 10, 64); err != nil {
		return nil, fmt.Errorf("bad sequence in %s: %w", s.topKey(instrument), err)
	}
	for name, dst := range map[string]*float64{
		"best_bid": &top.BestBid,
		"best_ask": &top.BestAsk,
		"mid":      &top.Mid,
		"spread":   &top.Spread,
	} {
		if *dst, err = strconv.ParseFloat(fields[name], 64); err != nil {
			return nil, fmt.Errorf("bad %s in %s: %w", name, s.topKey(instrument), err)
		}
	}
	return top, nil
}

// Watch delivers published updates for the instruments to fn until ctx is
// done. Undecodable payloads are logged and skipped.
func (s *BookStore) Watch(ctx context.Context, fn func(*messaging.BookUpdate), instruments ...string) error {
	channels := make([]string, len(instruments))
	for i, instrument := range instruments {
		channels[i] = s.Channel(instrument)
	}

	sub := s.client.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update messaging.BookUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				s.logger.Warn("dropping undecodable book update",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			fn(&update)
		}
	}
}

// Close closes the underlying client
func (s *BookStore) Close() error {
	return s.client.Close()
}

var _ messaging.BookSender = (*BookStore)(nil)
