package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript trims, counts and appends to the grant log atomically on the
// Redis server. KEYS[1] grant log sorted set scored by unix ms.
// ARGV[1] cutoff ms, ARGV[2] limit, ARGV[3] now ms, ARGV[4] member,
// ARGV[5] ttl ms.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// RedisLimiter keeps one sorted set of grants per credential. The set expires
// a window after its last grant.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  atomic.Int64
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, limitPerHour int) *RedisLimiter {
	l := &RedisLimiter{client: client, now: time.Now}
	l.limit.Store(int64(limitPerHour))
	return l
}

// SetLimit changes the hourly quota.
func (l *RedisLimiter) SetLimit(limitPerHour int) { l.limit.Store(int64(limitPerHour)) }

// Acquire implements Limiter.
func (l *RedisLimiter) Acquire(ctx context.Context, credential string) (bool, error) {
	now := l.now().UTC()
	res, err := acquireScript.Run(ctx, l.client, []string{Key(credential)},
		cutoff(now),
		l.limit.Load(),
		now.UnixMilli(),
		uuid.NewString(),
		Window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return res == 1, nil
}

// Ping verifies the Redis connection.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
