package roles

import (
	"context"

	"marketplace/internal/market"
	rediskey "marketplace/pkg/redis"

	"github.com/ethereum/go-ethereum/common"
	rd "github.com/redis/go-redis/v9"
)

// RedisStore keeps each role as a Redis set of checksummed addresses, so
// several API replicas share one view of who is an administrator.
type RedisStore struct {
	rdb *rd.Client
}

func NewRedisStore(rdb *rd.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) HasRole(ctx context.Context, role market.Role, account common.Address) (bool, error) {
	return s.rdb.SIsMember(ctx, rediskey.RoleMembersKey(string(role)), account.Hex()).Result()
}

func (s *RedisStore) Grant(ctx context.Context, role market.Role, account common.Address) error {
	return s.rdb.SAdd(ctx, rediskey.RoleMembersKey(string(role)), account.Hex()).Err()
}

func (s *RedisStore) Revoke(ctx context.Context, role market.Role, account common.Address) error {
	return s.rdb.SRem(ctx, rediskey.RoleMembersKey(string(role)), account.Hex()).Err()
}
