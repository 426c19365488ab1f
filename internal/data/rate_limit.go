package data

import (
	"context"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateLimitRecord is the GORM model for rate_limit_records table
type RateLimitRecord struct {
	ID           int64      `gorm:"primaryKey;column:id"`
	Identifier   string     `gorm:"column:identifier;type:varchar(191);not null;uniqueIndex:uk_identifier_endpoint,priority:1"`
	Endpoint     string     `gorm:"column:endpoint;type:varchar(128);not null;uniqueIndex:uk_identifier_endpoint,priority:2"`
	RequestCount int        `gorm:"column:request_count;not null;default:0"`
	WindowStart  time.Time  `gorm:"column:window_start;type:datetime(3);not null;index"`
	BlockedUntil *time.Time `gorm:"column:blocked_until;type:datetime(3)"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (RateLimitRecord) TableName() string {
	return "rate_limit_records"
}

// Blocked reports whether the record carries a block that has not yet passed.
func (r *RateLimitRecord) Blocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// RateLimitRepo implements biz.RateLimitRepo interface.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type RateLimitRepo struct {
	store  *Store
	logger *log.Helper
}

// NewRateLimitRepo creates a new rate limit repository.
func NewRateLimitRepo(store *Store, logger log.Logger) *RateLimitRepo {
	return &RateLimitRepo{
		store:  store,
		logger: log.NewHelper(log.With(logger, "module", "data/rate_limit")),
	}
}

// Get returns the record for (identifier, endpoint), or nil when none exists.
func (r *RateLimitRepo) Get(ctx context.Context, identifier, endpoint string) (*RateLimitRecord, error) {
	var rec RateLimitRecord
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("identifier = ? AND endpoint = ?", identifier, endpoint).Take(&rec).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Open inserts rec as a fresh window. When the row already exists, its count
// is incremented by rec.RequestCount in the same statement.
func (r *RateLimitRepo) Open(ctx context.Context, rec *RateLimitRecord) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identifier"}, {Name: "endpoint"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"request_count": gorm.Expr("request_count + ?", rec.RequestCount),
			}),
		}).Create(rec).Error
	})
}

// Upsert writes the full record state, replacing any existing row for the key.
func (r *RateLimitRepo) Upsert(ctx context.Context, rec *RateLimitRecord) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identifier"}, {Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"request_count", "window_start", "blocked_until", "updated_at"}),
		}).Create(rec).Error
	})
}

// Increment adds delta to the stored count of the window that started at
// windowStart. Increments for a window the store has already moved past are
// discarded. window_start is matched within one millisecond either side,
// the column precision.
func (r *RateLimitRepo) Increment(ctx context.Context, identifier, endpoint string, windowStart time.Time, delta int) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&RateLimitRecord{}).
			Where("identifier = ? AND endpoint = ? AND window_start > ? AND window_start < ?",
				identifier, endpoint, windowStart.Add(-time.Millisecond), windowStart.Add(time.Millisecond)).
			UpdateColumn("request_count", gorm.Expr("request_count + ?", delta)).Error
	})
}

// Delete removes the record for (identifier, endpoint).
func (r *RateLimitRepo) Delete(ctx context.Context, identifier, endpoint string) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("identifier = ? AND endpoint = ?", identifier, endpoint).Delete(&RateLimitRecord{}).Error
	})
}

// DeleteExpired removes records whose window started before windowBefore and
// whose block, if any, has passed.
func (r *RateLimitRepo) DeleteExpired(ctx context.Context, windowBefore, now time.Time) (int64, error) {
	var n int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("window_start < ? AND (blocked_until IS NULL OR blocked_until < ?)", windowBefore, now).
			Delete(&RateLimitRecord{})
		n = res.RowsAffected
		return res.Error
	})
	if err == nil && n > 0 {
		r.logger.Debugw("msg", "expired rate limit records deleted", "count", n, "type", "database")
	}
	return n, err
}
