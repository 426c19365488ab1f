package data

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is the last good result of a protected read.
type Snapshot struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	CapturedAt time.Time       `json:"captured_at"`
}

// SnapshotRepo stores fallback snapshots in Redis under snapshot:{key}.
type SnapshotRepo struct {
	cache CacheClient
}

// NewSnapshotRepo creates a new snapshot repository.
func NewSnapshotRepo(cache CacheClient) *SnapshotRepo {
	return &SnapshotRepo{cache: cache}
}

// Save stores snap for ttl.
func (r *SnapshotRepo) Save(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	return r.cache.Set(ctx, BuildCacheKey(CacheKeySnapshot, snap.Key), snap, ttl)
}

// Get returns the stored snapshot for key, or ErrCacheNotFound.
func (r *SnapshotRepo) Get(ctx context.Context, key string) (*Snapshot, error) {
	var snap Snapshot
	if err := r.cache.Get(ctx, BuildCacheKey(CacheKeySnapshot, key), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
