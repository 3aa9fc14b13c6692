package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateGate is the external request-rate gate the endpoint consults before the
// compliance check. The policy itself (limits per role, upgrades) lives
// outside the gateway; this is just the counter consult.
type RateGate interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// NoRateLimit admits every request; used when no redis/limit is configured.
type NoRateLimit struct{}

func (NoRateLimit) Allow(ctx context.Context, userID string) (bool, error) { return true, nil }

// RedisRateGate counts requests per user in fixed windows using INCR+EXPIRE.
type RedisRateGate struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisRateGate(rdb *redis.Client, limit int, window time.Duration) *RedisRateGate {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateGate{rdb: rdb, limit: limit, window: window}
}

func (g *RedisRateGate) Allow(ctx context.Context, userID string) (bool, error) {
	if g.limit <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("gate:rate:%s:%d", userID, time.Now().Unix()/int64(g.window.Seconds()))
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		// the gate is advisory; an unreachable counter must not take chat down
		return true, err
	}
	if n == 1 {
		g.rdb.Expire(ctx, key, g.window)
	}
	return n <= int64(g.limit), nil
}
