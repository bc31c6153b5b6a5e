package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"marketplace/internal/market"

	"github.com/google/uuid"
)

// EventMessage is a committed marketplace event as carried by the outbox
// stream and the Kafka topic.
type EventMessage struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	ProductID  *uint64         `json:"product_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEventMessage wraps e with a fresh event id.
func NewEventMessage(e market.Event, at time.Time) (EventMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return EventMessage{}, fmt.Errorf("marshal %s: %w", e.EventName(), err)
	}
	return EventMessage{
		EventID:    uuid.New().String(),
		Type:       e.EventName(),
		ProductID:  productOf(e),
		OccurredAt: at.UTC(),
		Payload:    payload,
	}, nil
}

func productOf(e market.Event) *uint64 {
	var id uint64
	switch ev := e.(type) {
	case market.ProductAdded:
		id = ev.ID
	case market.ProductSold:
		id = ev.ID
	case market.ProductRented:
		id = ev.ID
	default:
		return nil
	}
	return &id
}

// Key is the Kafka partition key: events of one product stay ordered.
func (m EventMessage) Key() []byte {
	if m.ProductID != nil {
		return fmt.Appendf(nil, "product-%d", *m.ProductID)
	}
	return []byte(m.EventID)
}

// Validate rejects messages missing the fields consumers rely on.
func (m EventMessage) Validate() error {
	if m.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if m.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("payload must be json")
	}
	return nil
}
