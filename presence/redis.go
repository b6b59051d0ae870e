package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker stores typing flags as keys with a TTL so every server node
// sees the same state.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker parses url and pings the server.
func NewRedisTracker(ctx context.Context, url string, ttl time.Duration) (*RedisTracker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisTracker{client: c, ttl: ttl}, nil
}

func (r *RedisTracker) SetTyping(ctx context.Context, key, userID string, typing bool) error {
	k := typingKey(key, userID)
	if !typing {
		return r.client.Del(ctx, k).Err()
	}
	return r.client.Set(ctx, k, "1", r.ttl).Err()
}

func (r *RedisTracker) IsTyping(ctx context.Context, key, userID string) (bool, error) {
	err := r.client.Get(ctx, typingKey(key, userID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisTracker) Close() error {
	return r.client.Close()
}
