package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"Bulwark/pkg/breaker"

	"github.com/redis/go-redis/v9"
)

// Cache key prefixes.
const (
	// CacheKeyBlacklist is the prefix for blacklisted sessions: session:blacklist:{id}
	CacheKeyBlacklist = "session:blacklist"
	// CacheKeySnapshot is the prefix for fallback snapshots: snapshot:{key}
	CacheKeySnapshot = "snapshot"
)

// cacheOpTimeout bounds each cache round-trip.
const cacheOpTimeout = 500 * time.Millisecond

var (
	// ErrCacheNotFound is returned when a cache key does not exist
	ErrCacheNotFound = errors.New("cache: key not found")
	// ErrCacheUnavailable is returned when no Redis client is configured.
	ErrCacheUnavailable = errors.New("cache: redis client is nil")
)

// CacheClient defines the interface for cache operations.
// Implementations must be thread-safe and handle serialization/deserialization.
type CacheClient interface {
	// Get retrieves a value from cache and deserializes it into dest.
	// Returns ErrCacheNotFound if key doesn't exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the specified TTL.
	// The value is serialized to JSON before storage.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// DeleteByPattern removes every key matching a glob pattern and returns
	// how many were removed.
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)

	// Exists checks if a key exists in cache.
	Exists(ctx context.Context, key string) (bool, error)
}

// redisCache is the Redis-based implementation of CacheClient. Every call
// runs through the cache breaker; a miss is not a failure.
type redisCache struct {
	client  *redis.Client
	breaker *breaker.CircuitBreaker
}

// NewCacheClient creates a new Redis-based cache client.
// If the Redis client is nil, cache operations will gracefully fail.
func NewCacheClient(rdb *redis.Client, registry *breaker.Registry) CacheClient {
	return &redisCache{
		client:  rdb,
		breaker: registry.GetOrCreate(breaker.ResourceCache),
	}
}

func (c *redisCache) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.client == nil {
		return ErrCacheUnavailable
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
		defer cancel()
		return fn(cctx)
	}, nil)
}

// Get retrieves a value from cache and deserializes it into dest.
// Returns ErrCacheNotFound if the key doesn't exist (redis.Nil).
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	var val string
	err := c.exec(ctx, func(ctx context.Context) error {
		v, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrCacheNotFound
			}
			return fmt.Errorf("cache: failed to get key %s: %w", key, err)
		}
		val = v
		return nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

// Set stores a value in cache with the specified TTL.
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	return c.exec(ctx, func(ctx context.Context) error {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("cache: failed to set key %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes a key from cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
		}
		return nil
	})
}

// DeleteByPattern walks the keyspace with SCAN so large keyspaces never block
// Redis. Keys are collected before deletion so the cursor stays stable.
func (c *redisCache) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	const batch = 200
	var deleted int64
	err := c.exec(ctx, func(ctx context.Context) error {
		var keys []string
		iter := c.client.Scan(ctx, 0, pattern, batch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache: failed to scan pattern %s: %w", pattern, err)
		}

		for start := 0; start < len(keys); start += batch {
			end := min(start+batch, len(keys))
			n, err := c.client.Del(ctx, keys[start:end]...).Result()
			if err != nil {
				return fmt.Errorf("cache: failed to delete pattern %s: %w", pattern, err)
			}
			deleted += n
		}
		return nil
	})
	return deleted, err
}

// Exists checks if a key exists in cache.
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := c.exec(ctx, func(ctx context.Context) error {
		n, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("cache: failed to check existence of key %s: %w", key, err)
		}
		count = n
		return nil
	})
	return count > 0, err
}

// BuildCacheKey constructs a cache key with the appropriate prefix.
// Examples:
//   - BuildCacheKey(CacheKeyBlacklist, "abc") -> "session:blacklist:abc"
//   - BuildCacheKey(CacheKeySnapshot, "courses", "featured") -> "snapshot:courses:featured"
func BuildCacheKey(prefix string, parts ...string) string {
	key := prefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}
