// Package redis wraps the go-redis client used for cross-node event fan-out.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options selects the Redis server
type Options struct {
	Addr     string
	Password string
	DB       int
}

// RedisClient is a thin wrapper over *redis.Client
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to addr and verifies the connection
func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return &RedisClient{client: client}, nil
}

// Publish sends payload on channel and returns the number of receivers
func (r *RedisClient) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return r.client.Publish(ctx, channel, payload).Result()
}

// Subscribe opens a subscription on channel
func (r *RedisClient) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, channel)
}

// Ping checks the connection
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisClient) Close() error {
	return r.client.Close()
}
