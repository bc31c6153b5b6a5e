package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer wraps the Kafka writer.
type Producer struct {
	w *kafka.Writer
}

// NewProducer configures the writer for ordered, acknowledged delivery:
// messages hash by product so one product's events share a partition, and
// every in-sync replica must confirm a write.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close flushes and releases the writer.
func (p *Producer) Close() error { return p.w.Close() }

// Publish synchronously writes one event.
func (p *Producer) Publish(ctx context.Context, msg EventMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key(),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
		},
	})
}
