package biz

import (
	"context"
	"time"

	"Bulwark/internal/data"
)

// RateLimitRepo defines the durable tier of the rate limiter.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.RateLimitRepo).
type RateLimitRepo interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, identifier, endpoint string) (*data.RateLimitRecord, error)
	// Open inserts a fresh window, or adds its count to a row created
	// concurrently by another process.
	Open(ctx context.Context, rec *data.RateLimitRecord) error
	Upsert(ctx context.Context, rec *data.RateLimitRecord) error
	Increment(ctx context.Context, identifier, endpoint string, windowStart time.Time, delta int) error
	Delete(ctx context.Context, identifier, endpoint string) error
	DeleteExpired(ctx context.Context, windowBefore, now time.Time) (int64, error)
}
