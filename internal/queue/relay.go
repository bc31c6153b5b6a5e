package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher delivers one event downstream.
type Publisher interface {
	Publish(ctx context.Context, msg EventMessage) error
}

// Relay forwards the Redis Stream outbox to a Publisher. A stream entry is
// acknowledged only after it was published; failures stay pending for retry.
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	log       *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, stream, group, consumer string, log *zap.Logger) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log,
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Drain(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay drain", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// Drain handles this consumer's pending entries first, then waits up to block
// for new ones. It returns how many entries were forwarded.
func (r *Relay) Drain(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		if msgs, err = r.readGroup(ctx, ">", block); err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}
	n := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			return n, fmt.Errorf("process message id=%s: %w", xm.ID, err)
		}
		n++
	}
	return n, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
	}
	if block == 0 {
		// go-redis treats Block 0 as "block forever"; pending reads must not wait.
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseEventMessage(xm.Values)
	if err != nil {
		// malformed entries are acked and dropped so they never block the stream
		r.log.Warn("relay drop malformed entry", zap.String("id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}
