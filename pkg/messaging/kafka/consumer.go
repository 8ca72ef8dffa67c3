package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/erain9/tradeclient/pkg/messaging"
)

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// BookUpdateConsumer reads the book updates written by BookUpdateSender
type BookUpdateConsumer struct {
	reader messageReader
	logger zerolog.Logger
}

// NewBookUpdateConsumer reads topic on brokerAddr from the newest offset.
// An empty groupID reads every partition without committing offsets.
func NewBookUpdateConsumer(brokerAddr, topic, groupID string, logger zerolog.Logger) *BookUpdateConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{brokerAddr},
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return newBookUpdateConsumer(reader, logger)
}

func newBookUpdateConsumer(reader messageReader, logger zerolog.Logger) *BookUpdateConsumer {
	return &BookUpdateConsumer{
		reader: reader,
		logger: logger,
	}
}

// Consume hands every update for the given instruments to fn until ctx is
// done. With no instruments every update is delivered. Messages that do not
// decode are logged and skipped. It returns nil when ctx ends.
func (c *BookUpdateConsumer) Consume(ctx context.Context, fn func(*messaging.BookUpdate), instruments ...string) error {
	wanted := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		wanted[inst] = true
	}

	c.logger.Info().Strs("instruments", instruments).Msg("Starting Kafka book consumer")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read book update: %w", err)
		}
		if len(wanted) > 0 && !wanted[string(msg.Key)] {
			continue
		}

		var update messaging.BookUpdate
		if err := json.Unmarshal(msg.Value, &update); err != nil {
			c.logger.Warn().
				Err(err).
				Str("key", string(msg.Key)).
				Int64("offset", msg.Offset).
				Msg("Skipping undecodable book update")
			continue
		}
		fn(&update)
	}
}

// Close closes the Kafka reader
func (c *BookUpdateConsumer) Close() error {
	return c.reader.Close()
}
