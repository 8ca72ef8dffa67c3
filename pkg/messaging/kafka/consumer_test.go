package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/messaging"
)

// fakeReader returns its messages in order, then err or blocks until ctx ends
type fakeReader struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		return msg, nil
	}
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func encodedUpdate(t *testing.T, instrument string, seq uint64) kafka.Message {
	t.Helper()
	data, err := json.Marshal(&messaging.BookUpdate{
		Sequence:     seq,
		BookSnapshot: core.BookSnapshot{Instrument: instrument, BestBid: 100},
	})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(instrument), Value: data}
}

func TestBookUpdateConsumer_FiltersAndDecodes(t *testing.T) {
	r := &fakeReader{messages: []kafka.Message{
		encodedUpdate(t, "BTC-PERPETUAL", 1),
		encodedUpdate(t, "ETH-PERPETUAL", 1),
		{Key: []byte("BTC-PERPETUAL"), Value: []byte("not json")},
		encodedUpdate(t, "BTC-PERPETUAL", 2),
	}}
	c := newBookUpdateConsumer(r, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var got []*messaging.BookUpdate
	err := c.Consume(ctx, func(u *messaging.BookUpdate) {
		got = append(got, u)
		if len(got) == 2 {
			cancel()
		}
	}, "BTC-PERPETUAL")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)
	assert.Equal(t, 100.0, got[1].BestBid)

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}

func TestBookUpdateConsumer_ReadError(t *testing.T) {
	cause := errors.New("broker down")
	c := newBookUpdateConsumer(&fakeReader{err: cause}, zerolog.Nop())

	err := c.Consume(context.Background(), func(*messaging.BookUpdate) {})
	assert.ErrorIs(t, err, cause)
}
