package data

import (
	"context"
	"time"

	"Bulwark/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a new Redis client with connection pool configuration.
// It returns the client, a cleanup function, and an error.
// Connection failure does not prevent application startup (graceful degradation):
// the client is returned anyway and cache calls fail through the cache breaker.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data/redis"))

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warn("Redis address is empty, skipping Redis initialization")
		return nil, func() {}, nil
	}
	rc := c.Redis

	network := rc.Network
	if network == "" {
		network = "tcp"
	}
	dialTimeout := rc.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Network:         network,
		Addr:            rc.Addr,
		Password:        rc.Password,
		DB:              rc.DB,
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     dialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnw("msg", "failed to connect to Redis, continuing without cache",
			"addr", rc.Addr,
			"error", err,
			"type", "redis")
	} else {
		helper.Infof("Successfully connected to Redis at %s", rc.Addr)
	}

	cleanup := func() {
		helper.Info("Closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("Failed to close Redis client: %v", err)
		}
	}
	return rdb, cleanup, nil
}
