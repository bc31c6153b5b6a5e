package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Receipt is the stored response of an idempotent request.
type Receipt struct {
	RequestID string
	Status    int
	Body      string
}

// GetReceipt looks up a stored response. found=false means the key is unknown.
func GetReceipt(ctx context.Context, rdb *rd.Client, caller, idemKey string) (Receipt, bool, error) {
	m, err := rdb.HGetAll(ctx, ReceiptKey(caller, idemKey)).Result()
	if err != nil {
		return Receipt{}, false, err
	}
	if len(m) == 0 {
		return Receipt{}, false, nil
	}
	status, err := strconv.Atoi(m["status"])
	if err != nil {
		return Receipt{}, false, err
	}
	return Receipt{
		RequestID: m["request_id"],
		Status:    status,
		Body:      m["body"],
	}, true, nil
}

// PutReceipt stores a response and refreshes the key TTL.
func PutReceipt(ctx context.Context, rdb *rd.Client, caller, idemKey string, r Receipt, ttl time.Duration) error {
	key := ReceiptKey(caller, idemKey)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"request_id", r.RequestID,
		"status", r.Status,
		"body", r.Body,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
