package data

import (
	"context"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Session is the GORM model for user_sessions table
type Session struct {
	SessionID       string    `gorm:"primaryKey;column:session_id;type:varchar(128)"`
	UserID          string    `gorm:"column:user_id;type:varchar(64);not null;index:idx_user_activity,priority:1"`
	FingerprintHash string    `gorm:"column:fingerprint_hash;type:varchar(128);not null"`
	IP              string    `gorm:"column:ip;type:varchar(64)"`
	UserAgent       string    `gorm:"column:user_agent;type:varchar(512)"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	ExpiresAt       time.Time `gorm:"column:expires_at;not null;index"`
	LastActivity    time.Time `gorm:"column:last_activity;not null;index:idx_user_activity,priority:2"`
}

// TableName specifies the table name for GORM
func (Session) TableName() string {
	return "user_sessions"
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionBlacklist is the GORM model for session_blacklist table
type SessionBlacklist struct {
	SessionID     string    `gorm:"primaryKey;column:session_id;type:varchar(128)"`
	Reason        string    `gorm:"column:reason;type:varchar(64);not null"`
	BlacklistedAt time.Time `gorm:"column:blacklisted_at;not null"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null;index"`
}

// TableName specifies the table name for GORM
func (SessionBlacklist) TableName() string {
	return "session_blacklist"
}

// SessionRepo implements biz.SessionRepo.
// Sessions live in MySQL; blacklist entries are written to both MySQL and
// Redis, and lookups try Redis first.
type SessionRepo struct {
	store  *Store
	cache  CacheClient
	logger *log.Helper
}

// NewSessionRepo creates a new session repository.
func NewSessionRepo(store *Store, cache CacheClient, logger log.Logger) *SessionRepo {
	return &SessionRepo{
		store:  store,
		cache:  cache,
		logger: log.NewHelper(log.With(logger, "module", "data/session")),
	}
}

// CreateCapped inserts s in one transaction with the eviction of the user's
// least recently active sessions beyond maxConcurrent-1. The user's live rows
// are read with FOR UPDATE so concurrent logins of the same user queue up.
// Evicted sessions are blacklisted durably, then mirrored into Redis.
func (r *SessionRepo) CreateCapped(ctx context.Context, s *Session, maxConcurrent int, blacklistTTL time.Duration, reason string) ([]*SessionBlacklist, error) {
	var evicted []*SessionBlacklist
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		evicted = evicted[:0]

		var active []*Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND expires_at > ?", s.UserID, s.CreatedAt).
			Order("last_activity ASC").
			Find(&active).Error; err != nil {
			return err
		}

		for i := 0; i < len(active)-(maxConcurrent-1); i++ {
			entry := &SessionBlacklist{
				SessionID:     active[i].SessionID,
				Reason:        reason,
				BlacklistedAt: s.CreatedAt,
				ExpiresAt:     s.CreatedAt.Add(blacklistTTL),
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error; err != nil {
				return err
			}
			if err := tx.Where("session_id = ?", entry.SessionID).Delete(&Session{}).Error; err != nil {
				return err
			}
			evicted = append(evicted, entry)
		}
		return tx.Create(s).Error
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range evicted {
		r.mirrorBlacklist(ctx, entry)
	}
	return evicted, nil
}

// Get returns the session, or nil when it does not exist.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("session_id = ?", sessionID).Take(&s).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActiveByUser returns the unexpired sessions of a user, least recently
// active first.
func (r *SessionRepo) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	var sessions []*Session
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ? AND expires_at > ?", userID, now).
			Order("last_activity ASC").
			Find(&sessions).Error
	})
	return sessions, err
}

// TouchActivity updates last_activity of a session.
func (r *SessionRepo) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&Session{}).Where("session_id = ?", sessionID).
			UpdateColumn("last_activity", at).Error
	})
}

// Delete removes a session row. Deleting a missing session is not an error.
func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	return r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Where("session_id = ?", sessionID).Delete(&Session{}).Error
	})
}

// DeleteExpired removes sessions that expired before now.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("expires_at <= ?", now).Delete(&Session{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// Blacklist records entry durably and mirrors it into Redis until it expires.
// The durable write is authoritative; a Redis failure is only logged.
func (r *SessionRepo) Blacklist(ctx context.Context, entry *SessionBlacklist) error {
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
	})
	if err != nil {
		return err
	}
	r.mirrorBlacklist(ctx, entry)
	return nil
}

func (r *SessionRepo) mirrorBlacklist(ctx context.Context, entry *SessionBlacklist) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if cerr := r.cache.Set(ctx, BuildCacheKey(CacheKeyBlacklist, entry.SessionID), entry.Reason, ttl); cerr != nil {
		r.logger.Warnw("msg", "failed to mirror blacklist entry to Redis",
			"session_id", entry.SessionID,
			"error", cerr,
			"type", "redis")
	}
}

// IsBlacklisted checks Redis, then falls back to the durable table on a miss
// or a cache failure.
func (r *SessionRepo) IsBlacklisted(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	hit, cerr := r.cache.Exists(ctx, BuildCacheKey(CacheKeyBlacklist, sessionID))
	if cerr == nil && hit {
		return true, nil
	}
	if cerr != nil {
		r.logger.Debugw("msg", "blacklist cache lookup failed, using database",
			"error", cerr,
			"type", "redis")
	}

	var count int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&SessionBlacklist{}).
			Where("session_id = ? AND expires_at > ?", sessionID, now).
			Count(&count).Error
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteExpiredBlacklist removes blacklist entries that expired before now.
// Redis entries expire on their own TTL.
func (r *SessionRepo) DeleteExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.store.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("expires_at <= ?", now).Delete(&SessionBlacklist{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
