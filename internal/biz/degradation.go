package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/data"
	"Bulwark/pkg/breaker"
	pkgerrors "Bulwark/pkg/errors"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Answer sources of a protected read.
const (
	SourceLive     = "live"
	SourceSnapshot = "snapshot"
	SourceDefault  = "default"
)

// Overall health states.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

const (
	snapshotWriteTimeout = 500 * time.Millisecond
	cachePingTimeout     = 500 * time.Millisecond
)

// StoreHealth exposes the resilient store's connection state.
// Implementation is *data.Store.
type StoreHealth interface {
	Connected() bool
	Stats() data.StoreStats
	HealthCheck(ctx context.Context) error
}

// CachePinger probes the shared cache.
type CachePinger interface {
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Result is the answer of a protected read.
type Result struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	Source     string      `json:"source"`
	Degraded   bool        `json:"degraded"`
	CapturedAt time.Time   `json:"captured_at"`
}

type fallbackEntry struct {
	resource   string
	def        interface{}
	hasDefault bool
}

type localSnapshot struct {
	value      interface{}
	capturedAt time.Time
}

// GracefulDegradationService shields read paths: the primary read runs behind
// its resource breaker and every success refreshes a snapshot that answers
// while the resource is unavailable.
type GracefulDegradationService struct {
	registry  *breaker.Registry
	snapshots SnapshotRepo
	store     StoreHealth
	cache     CachePinger
	ttl       time.Duration
	log       *pkglog.LogHelper

	mu      sync.RWMutex
	entries map[string]fallbackEntry

	local *lru.Cache[string, localSnapshot]

	now func() time.Time
}

// NewGracefulDegradationService creates a new degradation service.
func NewGracefulDegradationService(c *conf.Degradation, registry *breaker.Registry, snapshots SnapshotRepo, store StoreHealth, cache CachePinger, logger log.Logger) (*GracefulDegradationService, error) {
	ttl, size := 10*time.Minute, 1000
	if c != nil {
		if c.SnapshotTTL > 0 {
			ttl = c.SnapshotTTL
		}
		if c.SnapshotCacheSize > 0 {
			size = c.SnapshotCacheSize
		}
	}

	local, err := lru.New[string, localSnapshot](size)
	if err != nil {
		return nil, err
	}

	return &GracefulDegradationService{
		registry:  registry,
		snapshots: snapshots,
		store:     store,
		cache:     cache,
		ttl:       ttl,
		log:       pkglog.NewLogHelper(log.With(logger, "module", "biz/degradation")),
		entries:   make(map[string]fallbackEntry),
		local:     local,
		now:       time.Now,
	}, nil
}

// Register declares the resource guarding key and its static default.
// A nil def registers no default.
func (s *GracefulDegradationService) Register(key, resource string, def interface{}) {
	if resource == "" {
		resource = breaker.ResourceDatabase
	}
	s.mu.Lock()
	s.entries[key] = fallbackEntry{resource: resource, def: def, hasDefault: def != nil}
	s.mu.Unlock()
}

func (s *GracefulDegradationService) entry(key string) fallbackEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return fallbackEntry{resource: breaker.ResourceDatabase}
	}
	return e
}

// GetWithFallback runs primary behind the breaker of key's resource. On
// failure it answers from a fresh snapshot, then from the registered default,
// and otherwise returns ErrServiceDegraded.
func (s *GracefulDegradationService) GetWithFallback(ctx context.Context, key string, primary func(ctx context.Context) (interface{}, error)) (*Result, error) {
	e := s.entry(key)
	cb := s.registry.GetOrCreate(e.resource)

	v, err := breaker.Do(ctx, cb, primary, nil)
	if err == nil {
		now := s.now()
		s.saveSnapshot(ctx, key, v, now)
		fallbackResults.WithLabelValues(key, SourceLive).Inc()
		return &Result{Key: key, Value: v, Source: SourceLive, CapturedAt: now}, nil
	}

	// 请求本身的错误不降级
	if pkgerrors.IsClientError(err) || errors.Is(err, pkgerrors.ErrIntegrity) || errors.Is(err, context.Canceled) {
		return nil, err
	}

	s.log.Degraded("primary read failed, falling back",
		"key", key,
		"resource", e.resource,
		"circuit", cb.State().String(),
		"error", err)

	if res := s.fromSnapshot(ctx, key); res != nil {
		fallbackResults.WithLabelValues(key, SourceSnapshot).Inc()
		return res, nil
	}

	if e.hasDefault {
		fallbackResults.WithLabelValues(key, SourceDefault).Inc()
		return &Result{Key: key, Value: e.def, Source: SourceDefault, Degraded: true}, nil
	}

	fallbackResults.WithLabelValues(key, "none").Inc()
	return nil, ErrServiceDegraded.WithCause(err)
}

func (s *GracefulDegradationService) saveSnapshot(ctx context.Context, key string, v interface{}, now time.Time) {
	s.local.Add(key, localSnapshot{value: v, capturedAt: now})

	if s.snapshots == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Warnw("msg", "snapshot not serializable, kept locally only", "key", key, "error", err, "type", "degraded")
		return
	}

	sctx, cancel := context.WithTimeout(ctx, snapshotWriteTimeout)
	defer cancel()
	if err := s.snapshots.Save(sctx, &data.Snapshot{Key: key, Data: raw, CapturedAt: now}, s.ttl); err != nil {
		s.log.Debugw("msg", "failed to share snapshot", "key", key, "error", err, "type", "degraded")
	}
}

func (s *GracefulDegradationService) fromSnapshot(ctx context.Context, key string) *Result {
	now := s.now()

	if snap, ok := s.local.Get(key); ok && now.Sub(snap.capturedAt) < s.ttl {
		return &Result{Key: key, Value: snap.value, Source: SourceSnapshot, Degraded: true, CapturedAt: snap.capturedAt}
	}

	if s.snapshots == nil {
		return nil
	}
	snap, err := s.snapshots.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, data.ErrCacheNotFound) {
			s.log.Debugw("msg", "shared snapshot unavailable", "key", key, "error", err, "type", "degraded")
		}
		return nil
	}
	if now.Sub(snap.CapturedAt) >= s.ttl {
		return nil
	}
	return &Result{Key: key, Value: snap.Data, Source: SourceSnapshot, Degraded: true, CapturedAt: snap.CapturedAt}
}

// FetchAs is the typed form of GetWithFallback. Snapshots shared through the
// cache arrive as JSON and are decoded into T.
func FetchAs[T any](ctx context.Context, s *GracefulDegradationService, key string, primary func(ctx context.Context) (T, error)) (T, *Result, error) {
	var zero T
	res, err := s.GetWithFallback(ctx, key, func(ctx context.Context) (interface{}, error) {
		return primary(ctx)
	})
	if err != nil {
		return zero, nil, err
	}

	switch v := res.Value.(type) {
	case T:
		return v, res, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, res, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
		}
		return out, res, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return zero, res, fmt.Errorf("failed to convert fallback %s: %w", key, err)
		}
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, res, fmt.Errorf("failed to convert fallback %s: %w", key, err)
		}
		return out, res, nil
	}
}

// ComponentHealth is the health of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SnapshotHealth reports the freshness of one key's local snapshot.
type SnapshotHealth struct {
	Resource   string    `json:"resource"`
	Fresh      bool      `json:"fresh"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	AgeSeconds float64   `json:"age_seconds,omitempty"`
}

// HealthStatus is the composite health report.
type HealthStatus struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Breakers  map[string]breaker.Stats  `json:"breakers"`
	Store     *data.StoreStats          `json:"store,omitempty"`
	Cache     ComponentHealth           `json:"cache"`
	Snapshots map[string]SnapshotHealth `json:"snapshots"`
	Reasons   []string                  `json:"reasons,omitempty"`
}

// Healthy reports whether the status is healthy.
func (h *HealthStatus) Healthy() bool {
	return h.Status == HealthStatusHealthy
}

// GetHealthStatus builds the composite health report. The service is degraded
// when a critical breaker is not closed or the store is disconnected.
func (s *GracefulDegradationService) GetHealthStatus(ctx context.Context) *HealthStatus {
	now := s.now()
	h := &HealthStatus{
		Timestamp: now,
		Breakers:  s.registry.Stats(),
		Snapshots: make(map[string]SnapshotHealth),
	}
	h.Reasons = s.degradedReasons(h.Breakers)

	if s.store != nil {
		stats := s.store.Stats()
		h.Store = &stats
	}

	h.Cache = ComponentHealth{Status: "up"}
	if s.cache == nil {
		h.Cache = ComponentHealth{Status: "disabled"}
	} else if err := s.cache.PingRedis(ctx, cachePingTimeout); err != nil {
		h.Cache = ComponentHealth{Status: "down", Error: err.Error()}
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	entries := make(map[string]fallbackEntry, len(s.entries))
	for k, e := range s.entries {
		entries[k] = e
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		sh := SnapshotHealth{Resource: entries[k].resource}
		if snap, ok := s.local.Peek(k); ok {
			age := now.Sub(snap.capturedAt)
			sh.CapturedAt = snap.capturedAt
			sh.AgeSeconds = age.Seconds()
			sh.Fresh = age < s.ttl
		}
		h.Snapshots[k] = sh
	}

	h.Status = HealthStatusHealthy
	if len(h.Reasons) > 0 {
		h.Status = HealthStatusDegraded
	}
	return h
}

// IsDegraded is the cheap form of GetHealthStatus used on every response.
func (s *GracefulDegradationService) IsDegraded() bool {
	return len(s.degradedReasons(nil)) > 0
}

func (s *GracefulDegradationService) degradedReasons(stats map[string]breaker.Stats) []string {
	var reasons []string
	for _, name := range []string{breaker.ResourceDatabase, breaker.ResourceAuth} {
		var state string
		if st, ok := stats[name]; ok {
			state = st.State
		} else if cb := s.registry.Get(name); cb != nil {
			state = cb.State().String()
		} else {
			continue
		}
		if state != breaker.StateClosed.String() {
			reasons = append(reasons, fmt.Sprintf("%s circuit %s", name, state))
		}
	}
	if s.store != nil && !s.store.Connected() {
		reasons = append(reasons, "store disconnected")
	}
	return reasons
}

// CircuitStates returns the live state of every breaker keyed by resource.
func (s *GracefulDegradationService) CircuitStates() map[string]string {
	all := s.registry.All()
	out := make(map[string]string, len(all))
	for name, cb := range all {
		out[name] = cb.State().String()
	}
	return out
}
