package data

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/pkg/breaker"
	pkgerrors "Bulwark/pkg/errors"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/retry"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// ErrNotConnected is returned while the store has no usable connection.
	ErrNotConnected = errors.New("store: not connected")
	// ErrReconnectThrottled is returned when a reconnect was attempted too recently.
	ErrReconnectThrottled = errors.New("store: reconnect throttled")
)

// StoreConfig bounds every call made through the Store.
type StoreConfig struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	Retry          retry.Policy
	// ReconnectEvery is the minimum spacing of reconnect attempts.
	ReconnectEvery time.Duration
}

// NewStoreConfig derives the store configuration from c, filling gaps with defaults.
func NewStoreConfig(c *conf.Data) StoreConfig {
	cfg := StoreConfig{
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   3 * time.Second,
		Retry:          retry.DefaultPolicy(),
		ReconnectEvery: time.Second,
	}
	if c == nil || c.Database == nil {
		return cfg
	}
	db := c.Database
	if db.ConnectTimeout > 0 {
		cfg.ConnectTimeout = db.ConnectTimeout
	}
	if db.QueryTimeout > 0 {
		cfg.QueryTimeout = db.QueryTimeout
	}
	if db.MaxRetries > 0 {
		cfg.Retry.MaxAttempts = db.MaxRetries
	}
	if db.RetryBaseDelay > 0 {
		cfg.Retry.BaseDelay = db.RetryBaseDelay
	}
	if db.RetryMaxDelay > 0 {
		cfg.Retry.MaxDelay = db.RetryMaxDelay
	}
	return cfg
}

// Store is the resilient access layer over the relational store.
//
// Every call runs through the "database" circuit breaker under QueryTimeout.
// A connectivity failure triggers exactly one reconnect (shared by concurrent
// callers) and one retry of the call.
type Store struct {
	cfg     StoreConfig
	dial    Dialer
	breaker *breaker.CircuitBreaker
	log     *pkglog.LogHelper

	mu              sync.RWMutex
	db              *gorm.DB
	lastErr         error
	lastHealthCheck time.Time

	connected atomic.Bool
	degraded  atomic.Bool

	reconnectAttempts  atomic.Int64
	reconnectSuccesses atomic.Int64

	group   singleflight.Group
	limiter *rate.Limiter
}

// NewStore creates a Store and performs the initial connection. A failed
// initial connection leaves the store degraded rather than failing startup;
// the periodic health check keeps trying.
func NewStore(c *conf.Data, dial Dialer, registry *breaker.Registry, logger log.Logger) (*Store, func(), error) {
	s := NewStoreWithConfig(NewStoreConfig(c), dial, registry, logger)

	if err := s.Connect(context.Background()); err != nil {
		s.log.Errorw("msg", "database unavailable at startup, continuing degraded",
			"error", err,
			"type", "database")
	}

	cleanup := func() {
		s.log.Info("closing MySQL connection")
		if err := s.Close(); err != nil {
			s.log.Errorf("failed to close MySQL: %v", err)
		}
	}
	return s, cleanup, nil
}

// NewStoreWithConfig creates a Store without connecting.
func NewStoreWithConfig(cfg StoreConfig, dial Dialer, registry *breaker.Registry, logger log.Logger) *Store {
	every := cfg.ReconnectEvery
	if every <= 0 {
		every = time.Second
	}
	return &Store{
		cfg:     cfg,
		dial:    dial,
		breaker: registry.GetOrCreate(breaker.ResourceDatabase),
		log:     pkglog.NewLogHelper(log.With(logger, "module", "data/store")),
		limiter: rate.NewLimiter(rate.Every(every), 2),
	}
}

// Connect dials the store, retrying with jittered exponential backoff. When
// all attempts fail the store is marked degraded and the last error returned.
func (s *Store) Connect(ctx context.Context) error {
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		s.reconnectAttempts.Add(1)
		return s.connectOnce(ctx)
	}, func(attempt int, delay time.Duration, err error) {
		s.log.Warnw("msg", "database connection attempt failed",
			"attempt", attempt,
			"max_attempts", s.cfg.Retry.MaxAttempts,
			"retry_in", delay.String(),
			"error", err,
			"type", "database")
	})
	if err != nil {
		s.degraded.Store(true)
		s.setLastErr(err)
		return pkgerrors.Connectivity("store.connect", err)
	}

	s.reconnectSuccesses.Add(1)
	s.log.Success("MySQL connection established")
	return nil
}

func (s *Store) connectOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	db, err := s.dial(cctx)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(cctx); err != nil {
		_ = sqlDB.Close()
		return err
	}

	s.swap(db)
	return nil
}

func (s *Store) swap(db *gorm.DB) {
	s.mu.Lock()
	old := s.db
	s.db = db
	s.lastErr = nil
	s.mu.Unlock()

	s.connected.Store(true)
	s.degraded.Store(false)

	if old != nil && old != db {
		if sqlDB, err := old.DB(); err == nil {
			go func() { _ = sqlDB.Close() }()
		}
	}
}

func (s *Store) current() (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, pkgerrors.Connectivity("store", ErrNotConnected)
	}
	return s.db, nil
}

func (s *Store) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Store) markDisconnected(err error) {
	if s.connected.Swap(false) {
		s.log.Warnw("msg", "database connection lost",
			"error", err,
			"type", "database")
	}
	s.setLastErr(err)
}

// reconnect performs a single reconnect attempt shared by concurrent callers.
func (s *Store) reconnect(ctx context.Context) error {
	_, err, _ := s.group.Do("reconnect", func() (interface{}, error) {
		if !s.limiter.Allow() {
			return nil, ErrReconnectThrottled
		}
		s.reconnectAttempts.Add(1)

		// detached from the caller so one cancelled request cannot abort the shared attempt
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
		defer cancel()

		if err := s.connectOnce(cctx); err != nil {
			s.setLastErr(err)
			s.log.Warnw("msg", "database reconnect failed", "error", err, "type", "database")
			return nil, err
		}
		s.reconnectSuccesses.Add(1)
		s.log.Success("database reconnected")
		return nil, nil
	})
	return err
}

// Do runs fn with a context-bound handle under breaker protection.
func (s *Store) Do(ctx context.Context, fn func(db *gorm.DB) error) error {
	return s.run(ctx, "store.do", fn)
}

// Query runs a raw query and scans the result into dest.
func (s *Store) Query(ctx context.Context, dest interface{}, sql string, args ...interface{}) error {
	return s.run(ctx, "store.query", func(db *gorm.DB) error {
		return db.Raw(sql, args...).Scan(dest).Error
	})
}

// Exec runs a raw statement and returns the affected row count.
func (s *Store) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	var affected int64
	err := s.run(ctx, "store.exec", func(db *gorm.DB) error {
		res := db.Exec(sql, args...)
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.run(ctx, "store.transaction", func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

func (s *Store) run(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	call := func() error {
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			db, err := s.current()
			if err != nil {
				return err
			}
			qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
			defer cancel()
			return fn(db.WithContext(qctx))
		}, nil)
	}

	err := call()
	if err == nil {
		return nil
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return pkgerrors.Connectivity(op, err)
	}
	if !pkgerrors.IsConnectivityError(err) || ctx.Err() != nil {
		return err
	}

	s.markDisconnected(err)
	if rerr := s.reconnect(ctx); rerr != nil {
		return pkgerrors.Connectivity(op, err)
	}

	err = call()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, breaker.ErrCircuitOpen), pkgerrors.IsConnectivityError(err):
		s.markDisconnected(err)
		return pkgerrors.Connectivity(op, err)
	default:
		return err
	}
}

// HealthCheck probes the store with SELECT 1 outside the breaker. A failed
// probe marks the store disconnected and attempts a reconnect.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	s.lastHealthCheck = time.Now()
	s.mu.Unlock()

	err := s.probe(ctx)
	if err == nil {
		if !s.connected.Swap(true) {
			s.log.Success("database health check recovered")
		}
		s.degraded.Store(false)
		return nil
	}

	s.markDisconnected(err)
	if rerr := s.reconnect(ctx); rerr != nil {
		return pkgerrors.Connectivity("store.health_check", err)
	}
	return nil
}

func (s *Store) probe(ctx context.Context) error {
	db, err := s.current()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return db.WithContext(cctx).Exec("SELECT 1").Error
}

// Connected reports whether the last call or probe reached the store.
func (s *Store) Connected() bool {
	return s.connected.Load()
}

// Degraded reports whether the initial connection exhausted its retries
// without a later recovery.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// StoreStats is a snapshot of the store health.
type StoreStats struct {
	Connected          bool          `json:"connected"`
	Degraded           bool          `json:"degraded"`
	ReconnectAttempts  int64         `json:"reconnect_attempts"`
	ReconnectSuccesses int64         `json:"reconnect_successes"`
	LastError          string        `json:"last_error,omitempty"`
	LastHealthCheck    time.Time     `json:"last_health_check"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	Breaker            breaker.Stats `json:"breaker"`
}

// Stats returns a snapshot of connection and breaker state.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	db, lastErr, lastHC := s.db, s.lastErr, s.lastHealthCheck
	s.mu.RUnlock()

	st := StoreStats{
		Connected:          s.connected.Load(),
		Degraded:           s.degraded.Load(),
		ReconnectAttempts:  s.reconnectAttempts.Load(),
		ReconnectSuccesses: s.reconnectSuccesses.Load(),
		LastHealthCheck:    lastHC,
		Breaker:            s.breaker.Stats(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			ps := sqlDB.Stats()
			st.OpenConnections, st.InUse, st.Idle = ps.OpenConnections, ps.InUse, ps.Idle
		}
	}
	return st
}

// AutoMigrate creates or updates the tables owned by the resilience core.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.Do(ctx, func(db *gorm.DB) error {
		return db.AutoMigrate(
			&RateLimitRecord{},
			&Session{},
			&SessionBlacklist{},
			&SecurityEventRecord{},
			&BlockedIP{},
		)
	})
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	s.connected.Store(false)

	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
