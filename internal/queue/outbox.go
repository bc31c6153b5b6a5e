package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketplace/internal/market"

	"github.com/benbjohnson/clock"
	rd "github.com/redis/go-redis/v9"
)

// Outbox is a market.EventSink appending events to a Redis stream; the
// Relay forwards the stream to Kafka.
type Outbox struct {
	rdb    *rd.Client
	stream string
	clock  clock.Clock
}

func NewOutbox(rdb *rd.Client, stream string, c clock.Clock) *Outbox {
	return &Outbox{rdb: rdb, stream: stream, clock: c}
}

func (o *Outbox) Publish(ctx context.Context, e market.Event) error {
	msg, err := NewEventMessage(e, o.clock.Now())
	if err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: streamValues(msg),
	}).Err()
}

func streamValues(m EventMessage) map[string]any {
	product := ""
	if m.ProductID != nil {
		product = strconv.FormatUint(*m.ProductID, 10)
	}
	return map[string]any{
		"event_id":    m.EventID,
		"type":        m.Type,
		"product_id":  product,
		"occurred_at": m.OccurredAt.Format(time.RFC3339Nano),
		"payload":     string(m.Payload),
	}
}

func parseEventMessage(values map[string]any) (EventMessage, error) {
	var fields [5]string
	for i, key := range []string{"event_id", "type", "product_id", "occurred_at", "payload"} {
		v, err := getStreamString(values, key)
		if err != nil {
			return EventMessage{}, err
		}
		fields[i] = v
	}
	at, err := time.Parse(time.RFC3339Nano, fields[3])
	if err != nil {
		return EventMessage{}, fmt.Errorf("invalid occurred_at %q", fields[3])
	}
	msg := EventMessage{
		EventID:    fields[0],
		Type:       fields[1],
		OccurredAt: at,
		Payload:    []byte(fields[4]),
	}
	if fields[2] != "" {
		id, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return EventMessage{}, fmt.Errorf("invalid product_id %q", fields[2])
		}
		msg.ProductID = &id
	}
	if err := msg.Validate(); err != nil {
		return EventMessage{}, err
	}
	return msg, nil
}

var errMissingField = errors.New("missing field")

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%w %s", errMissingField, key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
