package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	redisc "github.com/blockpilot/worker/common/redis"
)

// RedisCache stores entries in Redis so cached node outputs survive
// worker restarts and are readable by other services (UI replay).
type RedisCache struct {
	client *redisc.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache with the given key prefix.
func NewRedisCache(client *redisc.Client, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisCache) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key))
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return []byte(val), true, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), string(value), ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Delete(ctx, c.key(key)); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the underlying Redis client is owned by bootstrap.
func (c *RedisCache) Close() error {
	return nil
}
