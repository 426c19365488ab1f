package biz

import (
	"context"
	"time"

	"Bulwark/internal/data"
	"Bulwark/internal/model"
)

// SecurityEventRepo defines the append-only event ledger.
// Save must not block; implementations queue writes.
type SecurityEventRepo interface {
	Save(ctx context.Context, ev *model.SecurityEvent)
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]*data.SecurityEventRecord, error)
	TopEventTypes(ctx context.Context, since time.Time, limit int) ([]data.EventTypeCount, error)
	HighVolumeIPs(ctx context.Context, since time.Time, threshold, limit int) ([]data.IPActivity, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// BlockedIPRepo defines IP block persistence.
type BlockedIPRepo interface {
	Upsert(ctx context.Context, b *data.BlockedIP) error
	// GetActive returns nil, nil when ip has no unexpired block.
	GetActive(ctx context.Context, ip string, now time.Time) (*data.BlockedIP, error)
	ListActive(ctx context.Context, now time.Time, limit int) ([]*data.BlockedIP, error)
	Delete(ctx context.Context, ip string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SnapshotRepo defines the shared tier of fallback snapshots.
type SnapshotRepo interface {
	Save(ctx context.Context, snap *data.Snapshot, ttl time.Duration) error
	Get(ctx context.Context, key string) (*data.Snapshot, error)
}

// EventReporter accepts security events from any component.
type EventReporter interface {
	LogSecurityEvent(ctx context.Context, ev *model.SecurityEvent)
}
