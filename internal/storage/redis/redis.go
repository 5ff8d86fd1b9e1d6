// Package redis provides a Redis-backed implementation of the storage.KV
// interface. Expiry rides on native Redis TTLs; Take maps to GETDEL so
// single-use semantics hold across gateway replicas sharing one Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/restmcp/gateway/internal/storage"
)

// Config contains configuration options for the Redis KV.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is prepended to every key. Default: "gateway:kv:".
	KeyPrefix string
}

// KV implements storage.KV on top of Redis.
type KV struct {
	client    *redis.Client
	keyPrefix string
}

var _ storage.KV = (*KV)(nil)

func New(cfg Config) (*KV, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gateway:kv:"
	}
	return &KV{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (kv *KV) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := kv.client.Set(ctx, kv.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := kv.client.Get(ctx, kv.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return res, true, nil
}

func (kv *KV) Take(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := kv.client.GetDel(ctx, kv.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to take key %s: %w", key, err)
	}
	return res, true, nil
}

func (kv *KV) Delete(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, kv.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (kv *KV) Close() error {
	return kv.client.Close()
}
