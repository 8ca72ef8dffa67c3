package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/erain9/tradeclient/pkg/messaging"
)

const (
	maxRetry    = 5
	contentType = "application/x-protobuf; proto=google.protobuf.Struct"
)

// OrderEventProducer publishes order events to Kafka through a sarama sync
// producer. Events are protobuf encoded and keyed by order ID.
type OrderEventProducer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewOrderEventProducer connects to the brokers
func NewOrderEventProducer(brokers []string, topic string) (*OrderEventProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = maxRetry

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewOrderEventProducerWith(producer, topic), nil
}

// NewOrderEventProducerWith wraps an existing producer
func NewOrderEventProducerWith(producer sarama.SyncProducer, topic string) *OrderEventProducer {
	return &OrderEventProducer{producer: producer, topic: topic}
}

// SendOrderEvent encodes and sends one event
func (q *OrderEventProducer) SendOrderEvent(ctx context.Context, event *messaging.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := EncodeOrderEvent(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(contentType)},
			{Key: []byte("event-type"), Value: []byte(event.Type)},
		},
		Timestamp: event.Timestamp,
	}

	if _, _, err := q.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send order event to Kafka: %w", err)
	}
	return nil
}

// Close closes the producer
func (q *OrderEventProducer) Close() error {
	return q.producer.Close()
}

// EncodeOrderEvent serializes an event as a protobuf Struct
func EncodeOrderEvent(event *messaging.OrderEvent) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]interface{}{
		"type":            string(event.Type),
		"order_id":        event.OrderID,
		"label":           event.Label,
		"instrument_name": event.Instrument,
		"direction":       event.Side,
		"order_type":      event.OrderType,
		"order_state":     event.Status,
		"price":           event.Price,
		"amount":          event.Amount,
		"filled_amount":   event.FilledAmount,
		"reason":          event.Reason,
		"timestamp":       event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build order event: %w", err)
	}

	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order event: %w", err)
	}
	return b, nil
}

// DecodeOrderEvent reverses EncodeOrderEvent
func DecodeOrderEvent(b []byte) (*messaging.OrderEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}

	str := func(key string) string {
		return st.GetFields()[key].GetStringValue()
	}

	event := &messaging.OrderEvent{
		Type:         messaging.OrderEventType(str("type")),
		OrderID:      str("order_id"),
		Label:        str("label"),
		Instrument:   str("instrument_name"),
		Side:         str("direction"),
		OrderType:    str("order_type"),
		Status:       str("order_state"),
		Price:        str("price"),
		Amount:       str("amount"),
		FilledAmount: str("filled_amount"),
		Reason:       str("reason"),
	}
	if ts := str("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse order event timestamp: %w", err)
		}
		event.Timestamp = parsed
	}
	return event, nil
}

var _ messaging.OrderEventSender = (*OrderEventProducer)(nil)
