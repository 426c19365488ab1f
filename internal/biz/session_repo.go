package biz

import (
	"context"
	"time"

	"Bulwark/internal/data"
)

// SessionRepo defines session and blacklist persistence.
// Implementation is in data layer (data.SessionRepo).
type SessionRepo interface {
	// CreateCapped inserts s after evicting the user's least recently active
	// sessions beyond maxConcurrent-1. Evicted ids are blacklisted for
	// blacklistTTL with reason and returned.
	CreateCapped(ctx context.Context, s *data.Session, maxConcurrent int, blacklistTTL time.Duration, reason string) ([]*data.SessionBlacklist, error)
	// Get returns nil, nil when the session does not exist.
	Get(ctx context.Context, sessionID string) (*data.Session, error)
	// ListActiveByUser returns unexpired sessions, least recently active first.
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*data.Session, error)
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Blacklist(ctx context.Context, entry *data.SessionBlacklist) error
	IsBlacklisted(ctx context.Context, sessionID string, now time.Time) (bool, error)
	DeleteExpiredBlacklist(ctx context.Context, now time.Time) (int64, error)
}
