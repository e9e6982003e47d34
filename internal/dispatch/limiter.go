package dispatch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"callbroker/pkg/utils"
)

const sessionCapKey = "cap:sessions"

// RedisLimiter caps concurrently broadcasting sessions across all instances.
// The slot TTL covers the longest possible session so a crashed instance
// cannot leak capacity forever.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, slotTTL time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: slotTTL}
}

func (l *RedisLimiter) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, sessionCapKey, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, sessionCapKey)
}

// NopLimiter admits everything. Used when no cap is configured and in tests.
type NopLimiter struct{}

func (NopLimiter) Acquire(context.Context) (bool, error) { return true, nil }
func (NopLimiter) Release(context.Context) error         { return nil }
