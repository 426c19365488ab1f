package biz

import (
	"context"
	"fmt"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/data"
	"Bulwark/internal/model"
	"Bulwark/pkg/crypto"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metadata"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Session validation reasons.
const (
	SessionReasonBlacklisted         = "blacklisted"
	SessionReasonNotFound            = "not_found"
	SessionReasonExpired             = "expired"
	SessionReasonFingerprintMismatch = "fingerprint_mismatch"
	SessionReasonUnavailable         = "unavailable"
)

// Blacklist reasons recorded by the service itself.
const (
	BlacklistReasonEvicted    = "evicted"
	BlacklistReasonRevokedAll = "revoked_all"
)

// SessionValidation is the outcome of ValidateSession.
type SessionValidation struct {
	Valid  bool
	UserID string
	Reason string
}

type sessionConfig struct {
	timeout         time.Duration
	maxConcurrent   int
	cacheTTL        time.Duration
	cacheSize       int
	activityRefresh time.Duration
	blacklistTTL    time.Duration
}

func newSessionConfig(c *conf.Session) sessionConfig {
	cfg := sessionConfig{
		timeout:         24 * time.Hour,
		maxConcurrent:   3,
		cacheTTL:        5 * time.Minute,
		cacheSize:       10000,
		activityRefresh: time.Minute,
		blacklistTTL:    48 * time.Hour,
	}
	if c == nil {
		return cfg
	}
	if c.Timeout > 0 {
		cfg.timeout = c.Timeout
	}
	if c.MaxConcurrent > 0 {
		cfg.maxConcurrent = c.MaxConcurrent
	}
	if c.CacheTTL > 0 {
		cfg.cacheTTL = c.CacheTTL
	}
	if c.CacheSize > 0 {
		cfg.cacheSize = c.CacheSize
	}
	if c.ActivityRefresh > 0 {
		cfg.activityRefresh = c.ActivityRefresh
	}
	if c.BlacklistTTL > 0 {
		cfg.blacklistTTL = c.BlacklistTTL
	}
	// 黑名单必须比最长会话活得久
	if cfg.blacklistTTL < cfg.timeout {
		cfg.blacklistTTL = cfg.timeout
	}
	return cfg
}

// SessionUseCase manages session lifecycle: concurrency cap, fingerprint
// binding and the terminal blacklist.
type SessionUseCase struct {
	repo   SessionRepo
	events EventReporter
	hasher *crypto.FingerprintHasher
	cfg    sessionConfig
	log    *pkglog.LogHelper

	cache     *expirable.LRU[string, *data.Session]
	blacklist *lru.Cache[string, time.Time] // session id -> blacklist expiry
	users     *keyedMutex

	now func() time.Time
}

// NewFingerprintHasher creates the session fingerprint hasher from the configured key.
func NewFingerprintHasher(c *conf.Session) (*crypto.FingerprintHasher, error) {
	if c == nil {
		return nil, fmt.Errorf("session config is required")
	}
	return crypto.NewFingerprintHasher([]byte(c.FingerprintKey))
}

// NewSessionUseCase creates a new session use case.
func NewSessionUseCase(c *conf.Session, repo SessionRepo, events EventReporter, hasher *crypto.FingerprintHasher, logger log.Logger) (*SessionUseCase, error) {
	cfg := newSessionConfig(c)

	blacklist, err := lru.New[string, time.Time](cfg.cacheSize)
	if err != nil {
		return nil, err
	}

	return &SessionUseCase{
		repo:      repo,
		events:    events,
		hasher:    hasher,
		cfg:       cfg,
		log:       pkglog.NewLogHelper(log.With(logger, "module", "biz/session")),
		cache:     expirable.NewLRU[string, *data.Session](cfg.cacheSize, nil, cfg.cacheTTL),
		blacklist: blacklist,
		users:     newKeyedMutex(),
		now:       time.Now,
	}, nil
}

// NewSessionID returns a fresh opaque session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Fingerprint derives the fingerprint hash bound to a session from client signals.
func (uc *SessionUseCase) Fingerprint(s crypto.Signals) (string, error) {
	if uc.hasher == nil {
		return "", fmt.Errorf("fingerprint hasher not configured")
	}
	return uc.hasher.Hash(s)
}

// CreateSession registers sessionID for userID. It returns false when the id
// is blacklisted. When the user is at the concurrency cap the least recently
// active sessions are evicted first.
func (uc *SessionUseCase) CreateSession(ctx context.Context, userID, sessionID, fingerprintHash string) (bool, error) {
	if userID == "" || sessionID == "" || fingerprintHash == "" {
		return false, fmt.Errorf("user id, session id and fingerprint are required")
	}

	// 同一用户的创建与淘汰串行执行
	unlock := uc.users.Lock(userID)
	defer unlock()

	now := uc.now()
	blacklisted, err := uc.isBlacklisted(ctx, sessionID, now)
	if err != nil {
		return false, fmt.Errorf("failed to check session blacklist: %w", err)
	}
	if blacklisted {
		uc.log.Session("refusing to create blacklisted session", "session_id", sessionID, "user_id", userID)
		return false, nil
	}

	reqCtx := pkglog.GetRequestContext(ctx)
	sess := &data.Session{
		SessionID:       sessionID,
		UserID:          userID,
		FingerprintHash: fingerprintHash,
		IP:              reqCtx.ClientIP,
		UserAgent:       reqCtx.UserAgent,
		CreatedAt:       now,
		ExpiresAt:       now.Add(uc.cfg.timeout),
		LastActivity:    now,
	}
	evicted, err := uc.repo.CreateCapped(ctx, sess, uc.cfg.maxConcurrent, uc.cfg.blacklistTTL, BlacklistReasonEvicted)
	if err != nil {
		return false, fmt.Errorf("failed to create session: %w", err)
	}
	for _, e := range evicted {
		uc.blacklist.Add(e.SessionID, e.ExpiresAt)
		uc.cache.Remove(e.SessionID)
		uc.log.Session("session evicted by concurrency cap", "session_id", e.SessionID, "user_id", userID)
		uc.report(ctx, model.EventSessionRevoked, &metadata.EventData{
			SessionID: e.SessionID,
			UserID:    userID,
			Reason:    BlacklistReasonEvicted,
		})
	}
	uc.cache.Add(sessionID, sess)

	uc.log.Session("session created", "session_id", sessionID, "user_id", userID, "expires_at", sess.ExpiresAt)
	uc.report(ctx, model.EventSessionCreated, &metadata.EventData{SessionID: sessionID, UserID: userID})
	return true, nil
}

// ValidateSession checks that sessionID is live, not blacklisted and bound to
// fingerprintHash. A fingerprint mismatch blacklists the session.
func (uc *SessionUseCase) ValidateSession(ctx context.Context, sessionID, fingerprintHash string) SessionValidation {
	res := uc.validate(ctx, sessionID, fingerprintHash)
	result := "valid"
	if !res.Valid {
		result = res.Reason
	}
	sessionValidations.WithLabelValues(result).Inc()
	return res
}

func (uc *SessionUseCase) validate(ctx context.Context, sessionID, fingerprintHash string) SessionValidation {
	if sessionID == "" {
		return SessionValidation{Reason: SessionReasonNotFound}
	}
	now := uc.now()

	blacklisted, err := uc.isBlacklisted(ctx, sessionID, now)
	if err != nil {
		uc.log.Degraded("session blacklist unavailable, denying", "session_id", sessionID, "error", err)
		return SessionValidation{Reason: SessionReasonUnavailable}
	}
	if blacklisted {
		return SessionValidation{Reason: SessionReasonBlacklisted}
	}

	sess, ok := uc.cache.Get(sessionID)
	if !ok {
		sess, err = uc.repo.Get(ctx, sessionID)
		if err != nil {
			uc.log.Degraded("session store unavailable, denying", "session_id", sessionID, "error", err)
			return SessionValidation{Reason: SessionReasonUnavailable}
		}
		if sess == nil {
			return SessionValidation{Reason: SessionReasonNotFound}
		}
	}

	if sess.Expired(now) {
		uc.cache.Remove(sessionID)
		return SessionValidation{Reason: SessionReasonExpired}
	}

	if !crypto.Equal(sess.FingerprintHash, fingerprintHash) {
		if err := uc.BlacklistSession(ctx, sessionID, SessionReasonFingerprintMismatch); err != nil {
			uc.log.Errorw("msg", "failed to blacklist hijacked session",
				"session_id", sessionID,
				"error", err)
		}
		uc.report(ctx, model.EventSessionHijackSuspect, &metadata.EventData{
			SessionID: sessionID,
			UserID:    sess.UserID,
			Reason:    SessionReasonFingerprintMismatch,
		})
		return SessionValidation{Reason: SessionReasonFingerprintMismatch}
	}

	fresh := *sess
	if now.Sub(fresh.LastActivity) >= uc.cfg.activityRefresh {
		if err := uc.repo.TouchActivity(ctx, sessionID, now); err != nil {
			uc.log.Warnw("msg", "failed to refresh session activity",
				"session_id", sessionID,
				"error", err,
				"type", "session")
		} else {
			fresh.LastActivity = now
		}
	}
	uc.cache.Add(sessionID, &fresh)
	pkglog.SetSession(ctx, sessionID, fresh.UserID)

	return SessionValidation{Valid: true, UserID: fresh.UserID}
}

// BlacklistSession terminally invalidates sessionID. Repeated calls are no-ops.
func (uc *SessionUseCase) BlacklistSession(ctx context.Context, sessionID, reason string) error {
	now := uc.now()
	if blacklisted, err := uc.isBlacklisted(ctx, sessionID, now); err == nil && blacklisted {
		return nil
	}

	if err := uc.revoke(ctx, sessionID, reason, now); err != nil {
		return err
	}

	uc.log.Security("session blacklisted", "session_id", sessionID, "reason", reason)
	uc.report(ctx, model.EventSessionBlacklisted, &metadata.EventData{SessionID: sessionID, Reason: reason})
	return nil
}

// revoke records the blacklist entry, then removes the session everywhere.
func (uc *SessionUseCase) revoke(ctx context.Context, sessionID, reason string, now time.Time) error {
	until := now.Add(uc.cfg.blacklistTTL)
	if err := uc.repo.Blacklist(ctx, &data.SessionBlacklist{
		SessionID:     sessionID,
		Reason:        reason,
		BlacklistedAt: now,
		ExpiresAt:     until,
	}); err != nil {
		return fmt.Errorf("failed to blacklist session: %w", err)
	}
	uc.blacklist.Add(sessionID, until)
	uc.cache.Remove(sessionID)

	if err := uc.repo.Delete(ctx, sessionID); err != nil {
		uc.log.Warnw("msg", "failed to delete blacklisted session",
			"session_id", sessionID,
			"error", err,
			"type", "session")
	}
	return nil
}

func (uc *SessionUseCase) isBlacklisted(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	if until, ok := uc.blacklist.Get(sessionID); ok {
		if now.Before(until) {
			return true, nil
		}
		uc.blacklist.Remove(sessionID)
	}

	blacklisted, err := uc.repo.IsBlacklisted(ctx, sessionID, now)
	if err != nil {
		return false, err
	}
	if blacklisted {
		// 精确过期时间未知，按最短保留期缓存
		uc.blacklist.Add(sessionID, now.Add(uc.cfg.timeout))
	}
	return blacklisted, nil
}

// GetActiveSessions returns the unexpired sessions of userID, least recently active first.
func (uc *SessionUseCase) GetActiveSessions(ctx context.Context, userID string) ([]*data.Session, error) {
	return uc.repo.ListActiveByUser(ctx, userID, uc.now())
}

// RevokeAllUserSessions blacklists every active session of userID and returns how many were revoked.
func (uc *SessionUseCase) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	unlock := uc.users.Lock(userID)
	defer unlock()

	now := uc.now()
	active, err := uc.repo.ListActiveByUser(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	revoked := 0
	for _, s := range active {
		if err := uc.revoke(ctx, s.SessionID, BlacklistReasonRevokedAll, now); err != nil {
			return revoked, err
		}
		revoked++
	}

	if revoked > 0 {
		uc.log.Session("all user sessions revoked", "user_id", userID, "count", revoked)
		uc.report(ctx, model.EventSessionRevoked, &metadata.EventData{
			UserID: userID,
			Reason: BlacklistReasonRevokedAll,
			Count:  revoked,
		})
	}
	return revoked, nil
}

// SessionSweepResult reports what a sweep removed.
type SessionSweepResult struct {
	Sessions  int64
	Blacklist int64
	Local     int
}

// Sweep purges expired sessions and expired blacklist entries.
func (uc *SessionUseCase) Sweep(ctx context.Context) (SessionSweepResult, error) {
	now := uc.now()
	var res SessionSweepResult

	for _, id := range uc.blacklist.Keys() {
		if until, ok := uc.blacklist.Peek(id); ok && !now.Before(until) {
			uc.blacklist.Remove(id)
			res.Local++
		}
	}

	n, err := uc.repo.DeleteExpired(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	res.Sessions = n

	n, err = uc.repo.DeleteExpiredBlacklist(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to sweep session blacklist: %w", err)
	}
	res.Blacklist = n

	if res.Sessions > 0 || res.Blacklist > 0 {
		uc.log.Session("expired sessions swept", "sessions", res.Sessions, "blacklist", res.Blacklist)
	}
	return res, nil
}

func (uc *SessionUseCase) report(ctx context.Context, t model.EventType, payload *metadata.EventData) {
	if uc.events == nil {
		return
	}
	reqCtx := pkglog.GetRequestContext(ctx)
	uc.events.LogSecurityEvent(ctx, model.NewSecurityEvent(t, reqCtx.ClientIP, reqCtx.UserAgent, payload))
}
