// Package ratelimit enforces the minimum interval between two sends of the
// same identity at the storage boundary.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendGuard decides whether an identity may send now.
type SendGuard interface {
	Allow(ctx context.Context, identityID string) (bool, error)
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisGuard admits one send per identity per interval using a key that
// expires after the interval.
type RedisGuard struct {
	client   setNXer
	interval time.Duration
}

// NewRedisGuard constructs a RedisGuard.
func NewRedisGuard(client setNXer, interval time.Duration) *RedisGuard {
	return &RedisGuard{client: client, interval: interval}
}

func sendKey(identityID string) string {
	return "ratelimit:send:" + identityID
}

// Allow claims the identity's send slot for the interval.
func (g *RedisGuard) Allow(ctx context.Context, identityID string) (bool, error) {
	if g.interval <= 0 {
		return true, nil
	}
	return g.client.SetNX(ctx, sendKey(identityID), 1, g.interval).Result()
}

// Unlimited admits every send.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

// NewRedisClient connects to redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
