package noncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBacking stores nonce counters in Redis, relying on INCR/SETNX for
// cross-process atomicity.
type RedisBacking struct {
	client *redis.Client
}

// NewRedisBacking dials Redis and verifies the connection.
func NewRedisBacking(ctx context.Context, addr string) (*RedisBacking, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisBacking{client: client}, nil
}

// Incr implements Backing.
func (b *RedisBacking) Incr(ctx context.Context, key string) (int64, error) {
	return b.client.Incr(ctx, key).Result()
}

// Get implements Backing.
func (b *RedisBacking) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := b.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Set implements Backing.
func (b *RedisBacking) Set(ctx context.Context, key string, value int64) error {
	return b.client.Set(ctx, key, value, 0).Err()
}

// SetNX implements Backing.
func (b *RedisBacking) SetNX(ctx context.Context, key string, value int64) (bool, error) {
	return b.client.SetNX(ctx, key, value, 0).Result()
}

// Del implements Backing.
func (b *RedisBacking) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Close implements Backing.
func (b *RedisBacking) Close() error {
	return b.client.Close()
}
