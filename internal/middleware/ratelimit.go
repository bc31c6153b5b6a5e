package middleware

import (
	"fmt"
	"net/http"
	"time"

	rediskey "marketplace/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// luaRateLimit is an atomic sliding window over a sorted set.
// KEYS[1]=window key, ARGV[1]=now, ARGV[2]=window start, ARGV[3]=window seconds,
// ARGV[4]=member for this request, ARGV[5]=limit.
// Returns the count in the window, or -1 once the limit is reached.
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// RedisRateLimit limits paying requests per caller, falling back to the
// client IP when no caller was authenticated. Redis errors let the request
// through.
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if caller, ok := Caller(c); ok {
			key = rediskey.CallerRateLimitKey(caller.Hex())
		} else {
			key = rediskey.IPRateLimitKey(c.ClientIP())
		}

		now := time.Now()
		windowSec := int64(window.Seconds())
		windowStart := now.UnixNano() - window.Nanoseconds()
		member := fmt.Sprintf("%d-%p", now.UnixNano(), c)

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now.UnixNano(), windowStart, windowSec, member, limit).Int()
		if err != nil {
			log.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many requests, retry later",
			})
			return
		}
		c.Next()
	}
}
