package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/erain9/tradeclient/pkg/messaging"
)

// messageWriter is the part of *kafka.Writer the sender uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BookUpdateSender publishes book updates as JSON keyed by instrument, so
// one instrument's updates land on one partition
type BookUpdateSender struct {
	writer messageWriter
	topic  string
}

// NewBookUpdateSender creates a sender writing to topic on brokerAddr
func NewBookUpdateSender(brokerAddr, topic string) *BookUpdateSender {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerAddr),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newBookUpdateSender(writer, topic)
}

func newBookUpdateSender(writer messageWriter, topic string) *BookUpdateSender {
	return &BookUpdateSender{
		writer: writer,
		topic:  topic,
	}
}

// SendBookUpdate writes one update
func (k *BookUpdateSender) SendBookUpdate(ctx context.Context, update *messaging.BookUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal book update: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(update.Instrument),
		Value: data,
		Time:  update.Timestamp,
		Headers: []kafka.Header{
			{Key: "sequence", Value: []byte(strconv.FormatUint(update.Sequence, 10))},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to send book update to Kafka topic %s: %w", k.topic, err)
	}
	return nil
}

// Close closes the Kafka writer
func (k *BookUpdateSender) Close() error {
	return k.writer.Close()
}

var _ messaging.BookSender = (*BookUpdateSender)(nil)
