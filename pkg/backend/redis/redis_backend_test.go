package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/messaging"
)

// setupTestRedis initializes a Redis client for testing.
// It assumes Redis is running on localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	client := NewClient(RedisOptions{Addr: "localhost:6379"})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		t.Skipf("Skipping Redis tests: Cannot connect to Redis (%v)", err)
	}
	return client
}

// testPrefix keeps each test's keys apart and deletes them afterwards
func testPrefix(t *testing.T, client *redis.Client) string {
	prefix := fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := client.Keys(ctx, prefix+":*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return prefix
}

func testUpdate(seq uint64) *messaging.BookUpdate {
	return &messaging.BookUpdate{
		Sequence: seq,
		BookSnapshot: core.BookSnapshot{
			Instrument: "BTC-PERPETUAL",
			Timestamp:  time.UnixMilli(1700000000000).UTC(),
			BestBid:    100,
			BestAsk:    101,
			MidPrice:   100.5,
			Spread:     1,
			Bids:       []core.LevelView{{Price: 100, Volume: 5, Orders: 1}},
			Asks:       []core.LevelView{{Price: 101, Volume: 3}},
		},
	}
}

func TestNewBookStore(t *testing.T) {
	store := NewBookStore(nil, "md", 0, nil)
	assert.NotNil(t, store.logger)
	assert.Equal(t, "md:book:ETH-PERPETUAL", store.snapshotKey("ETH-PERPETUAL"))
	assert.Equal(t, "md:top:ETH-PERPETUAL", store.topKey("ETH-PERPETUAL"))
	assert.Equal(t, "md:updates:ETH-PERPETUAL", store.Channel("ETH-PERPETUAL"))
}

func TestBookStore_StoreAndRead(t *testing.T) {
	client := setupTestRedis(t)
	store := NewBookStore(client, testPrefix(t, client), time.Minute, nil)
	ctx := context.Background()

	_, err := store.Latest(ctx, "BTC-PERPETUAL")
	assert.ErrorIs(t, err, ErrNoSnapshot)
	_, err = store.Top(ctx, "BTC-PERPETUAL")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, store.SendBookUpdate(ctx, testUpdate(1)))
	require.NoError(t, store.SendBookUpdate(ctx, testUpdate(2)))

	latest, err := store.Latest(ctx, "BTC-PERPETUAL")
	require.NoError(t, err)
	assert.Equal(t, testUpdate(2), latest)

	top, err := store.Top(ctx, "BTC-PERPETUAL")
	require.NoError(t, err)
	assert.Equal(t, &TopOfBook{Sequence: 2, BestBid: 100, BestAsk: 101, Mid: 100.5, Spread: 1}, top)

	ttl, err := client.TTL(ctx, store.topKey("BTC-PERPETUAL")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestBookStore_Watch(t *testing.T) {
	client := setupTestRedis(t)
	prefix := testPrefix(t, client)
	store := NewBookStore(client, prefix, 0, nil)
	// Watch needs its own connection for the subscription
	watcher := NewBookStore(NewClient(RedisOptions{Addr: "localhost:6379"}), prefix, 0, nil)
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *messaging.BookUpdate, 1)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(ctx, func(u *messaging.BookUpdate) {
			select {
			case received <- u:
			default:
			}
		}, "BTC-PERPETUAL")
	}()

	// publish until the subscription is live
	require.Eventually(t, func() bool {
		if err := store.SendBookUpdate(ctx, testUpdate(3)); err != nil {
			return false
		}
		select {
		case u := <-received:
			return u.Sequence == 3
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
