package data

import (
	"context"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlockedIP is the GORM model for blocked_ips table
type BlockedIP struct {
	ID        int64     `gorm:"primaryKey;column:id" json:"-"`
	IP        string    `gorm:"column:ip;type:varchar(64);not null;uniqueIndex" json:"ip"`
	Reason    string    `gorm:"column:reason;type:varchar(255);not null" json:"reason"`
	BlockedAt time.Time `gorm:"column:blocked_at;not null" json:"blocked_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

// TableName specifies the table name for GORM
func (BlockedIP) TableName() string {
	return "blocked_ips"
}

// Active reports whether the block is still in force.
func (b *BlockedIP) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}

// BlockedIPRepo implements biz.BlockedIPRepo.
type BlockedIPRepo struct {
	store  *Store
	logger *log.Helper
}

// NewBlockedIPRepo creates a new blocked IP repository.
func NewBlockedIPRepo(store *Store, logger log.Logger) *BlockedIPRepo {
	return &BlockedIPRepo{
		store:  store,
		logger: log.NewHelper(log.With(logger, "module", "data/blocked_ip")),
	}
}

// Upsert blocks b.IP, refreshing reason and expiry when already blocked.
func (r *BlockedIPRepo) Upsert(ctx context.Context, b *BlockedIP) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "blocked_at", "expires_at"}),
		}).Create(b).Error
	})
}

// GetActive returns the block on ip if it has not expired, or nil.
func (r *BlockedIPRepo) GetActive(ctx context.Context, ip string, now time.Time) (*BlockedIP, error) {
	var b BlockedIP
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("ip = ? AND expires_at > ?", ip, now).Take(&b).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListActive returns unexpired blocks, most recent first.
func (r *BlockedIPRepo) ListActive(ctx context.Context, now time.Time, limit int) ([]*BlockedIP, error) {
	var blocks []*BlockedIP
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("expires_at > ?", now).
			Order("blocked_at DESC").
			Limit(limit).
			Find(&blocks).Error
	})
	return blocks, err
}

// Delete lifts the block on ip and reports whether one existed.
func (r *BlockedIPRepo) Delete(ctx context.Context, ip string) (bool, error) {
	var n int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("ip = ?", ip).Delete(&BlockedIP{})
		n = res.RowsAffected
		return res.Error
	})
	return n > 0, err
}

// DeleteExpired purges blocks that expired before now.
func (r *BlockedIPRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("expires_at <= ?", now).Delete(&BlockedIP{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
