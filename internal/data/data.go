// Package data provides data access layer implementations.
// It handles database connections, the Redis cache and data persistence.
package data

import (
	"context"
	"time"

	"Bulwark/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewBreakerRegistry,
	NewMySQLDialer,
	NewStore,
	NewRedisClient,
	NewCacheClient,
	NewRateLimitRepo,
	NewSessionRepo,
	NewSecurityEventRepo,
	NewBlockedIPRepo,
	NewSnapshotRepo,
	NewNoopAlertNotifier,
)

// Data contains all data layer dependencies.
type Data struct {
	store       *Store
	redisClient *redis.Client
	cache       CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// Neither a missing database nor a missing Redis prevents application startup.
func NewData(c *conf.Data, store *Store, rdb *redis.Client, cache CacheClient, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data"))

	if rdb == nil {
		helper.Warn("Redis client is nil, caching will be unavailable")
	}

	if c != nil && c.Database != nil && c.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.AutoMigrate(ctx); err != nil {
			helper.Errorw("msg", "auto migration failed", "error", err, "type", "database")
		} else {
			helper.Info("database schema migrated")
		}
		cancel()
	}

	d := &Data{
		store:       store,
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// Store returns the resilient store.
func (d *Data) Store() *Store {
	return d.store
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// PingRedis reports whether Redis answers within timeout.
func (d *Data) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.redisClient == nil {
		return ErrCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.redisClient.Ping(ctx).Err()
}
