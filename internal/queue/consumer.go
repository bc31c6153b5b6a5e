package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"marketplace/internal/model"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer indexes events from the topic into the event_records table.
type Consumer struct {
	r   messageReader
	db  *gorm.DB
	log *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, db *gorm.DB, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db:  db,
		log: log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.log.Error("consumer read stopped", zap.Error(err))
			}
			return
		}
		if err := IndexEvent(ctx, c.db, m.Value); err != nil {
			c.log.Warn("index event", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// IndexEvent stores one encoded EventMessage. Redelivered events are ignored.
func IndexEvent(ctx context.Context, db *gorm.DB, value []byte) error {
	var msg EventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	rec := &model.EventRecord{
		EventID:    msg.EventID,
		Type:       msg.Type,
		ProductID:  msg.ProductID,
		Payload:    string(msg.Payload),
		OccurredAt: msg.OccurredAt,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(rec).Error
}
