package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torobias/torobias/internal/gateway"
)

// KV implements gateway.KV on a Redis client. Misses map to
// gateway.ErrNotFound; everything else surfaces as gateway.Unavailable so
// the engine can distinguish degradation from absence.
type KV struct {
	c *redis.Client
}

// NewKV wraps an existing client. Connection setup lives with the caller so
// one client can back both the cache and the append log.
func NewKV(c *redis.Client) *KV {
	return &KV{c: c}
}

// NewClient builds a go-redis client from address and DB index.
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func (k *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := k.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return &gateway.Unavailable{Op: "kv.put", Err: err}
	}
	return nil
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := k.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, &gateway.Unavailable{Op: "kv.get", Err: err}
	}
	return val, nil
}

func (k *KV) Del(ctx context.Context, key string) error {
	if err := k.c.Del(ctx, key).Err(); err != nil {
		return &gateway.Unavailable{Op: "kv.del", Err: err}
	}
	return nil
}

func (k *KV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := k.c.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &gateway.Unavailable{Op: "kv.keys", Err: err}
	}
	return keys, nil
}

// Ping verifies connectivity; the health endpoint calls it.
func (k *KV) Ping(ctx context.Context) error {
	if err := k.c.Ping(ctx).Err(); err != nil {
		return &gateway.Unavailable{Op: "kv.ping", Err: err}
	}
	return nil
}
