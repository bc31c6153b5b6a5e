package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch deletes the lock only while it still holds our request id,
// so an expired lock taken over by a newer request is left alone.
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local requestID = ARGV[1]
if redis.call('GET', lockKey) == requestID then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireRequestLock claims an idempotency key for requestID. It returns false
// when another request holds the key.
func AcquireRequestLock(ctx context.Context, rdb *rd.Client, caller, idemKey, requestID string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, RequestLockKey(caller, idemKey), requestID, ttl).Result()
}

// ReleaseRequestLockIfMatch releases the claim taken by requestID.
func ReleaseRequestLockIfMatch(ctx context.Context, rdb *rd.Client, caller, idemKey, requestID string) error {
	_, err := rdb.Eval(ctx, luaReleaseIfMatch, []string{RequestLockKey(caller, idemKey)}, requestID).Int()
	return err
}
