package biz

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/data"
	"Bulwark/pkg/breaker"
	pkgerrors "Bulwark/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type memSnapshotRepo struct {
	mu    sync.Mutex
	snaps map[string]*data.Snapshot
}

func newMemSnapshotRepo() *memSnapshotRepo {
	return &memSnapshotRepo{snaps: make(map[string]*data.Snapshot)}
}

func (r *memSnapshotRepo) Save(_ context.Context, snap *data.Snapshot, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *snap
	r.snaps[snap.Key] = &cp
	return nil
}

func (r *memSnapshotRepo) Get(_ context.Context, key string) (*data.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snaps[key]
	if !ok {
		return nil, data.ErrCacheNotFound
	}
	cp := *s
	return &cp, nil
}

type fakeStore struct {
	connected atomic.Bool
}

func (s *fakeStore) Connected() bool { return s.connected.Load() }

func (s *fakeStore) HealthCheck(context.Context) error {
	if !s.connected.Load() {
		return errStoreDown
	}
	return nil
}

func (s *fakeStore) Stats() data.StoreStats {
	return data.StoreStats{Connected: s.connected.Load()}
}

type fakePinger struct {
	err error
}

func (p *fakePinger) PingRedis(context.Context, time.Duration) error { return p.err }

type course struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func newTestDegradation(t *testing.T, snapshots SnapshotRepo) (*GracefulDegradationService, *breaker.Registry, *fakeStore, *fakeClock) {
	t.Helper()
	registry := breaker.NewRegistry(map[string]breaker.Config{
		breaker.ResourceDatabase: {
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
			ExpectedVolume:   3,
			IsSuccessful:     pkgerrors.IsClientError,
		},
	}, log.DefaultLogger)
	store := &fakeStore{}
	store.connected.Store(true)

	svc, err := NewGracefulDegradationService(&conf.Degradation{SnapshotTTL: 10 * time.Minute, SnapshotCacheSize: 16},
		registry, snapshots, store, &fakePinger{}, log.DefaultLogger)
	require.NoError(t, err)

	clock := newFakeClock()
	svc.now = clock.Now
	return svc, registry, store, clock
}

func TestGetWithFallback_LiveThenSnapshot(t *testing.T) {
	svc, _, _, clock := newTestDegradation(t, newMemSnapshotRepo())
	ctx := context.Background()
	svc.Register("featured_courses", breaker.ResourceDatabase, []course{})

	live := []course{{ID: 1, Title: "Go"}}
	res, err := svc.GetWithFallback(ctx, "featured_courses", func(context.Context) (interface{}, error) {
		return live, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.False(t, res.Degraded)
	assert.Equal(t, live, res.Value)

	clock.Advance(time.Minute)
	res, err = svc.GetWithFallback(ctx, "featured_courses", func(context.Context) (interface{}, error) {
		return nil, errStoreDown
	})
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, res.Source)
	assert.True(t, res.Degraded)
	assert.Equal(t, live, res.Value)
	assert.Equal(t, clock.Now().Add(-time.Minute), res.CapturedAt)

	// stale snapshots are not served
	clock.Advance(10 * time.Minute)
	res, err = svc.GetWithFallback(ctx, "featured_courses", func(context.Context) (interface{}, error) {
		return nil, errStoreDown
	})
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, res.Source)
	assert.Equal(t, []course{}, res.Value)
}

func TestGetWithFallback_SharedSnapshot(t *testing.T) {
	shared := newMemSnapshotRepo()
	ctx := context.Background()

	first, _, _, clock := newTestDegradation(t, shared)
	_, err := first.GetWithFallback(ctx, "featured_courses", func(context.Context) (interface{}, error) {
		return []course{{ID: 7, Title: "Rust"}}, nil
	})
	require.NoError(t, err)

	// another instance with a cold local tier
	second, _, _, _ := newTestDegradation(t, shared)
	second.now = clock.Now

	out, res, err := FetchAs(ctx, second, "featured_courses", func(context.Context) ([]course, error) {
		return nil, errStoreDown
	})
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, res.Source)
	_, isRaw := res.Value.(json.RawMessage)
	assert.True(t, isRaw)
	assert.Equal(t, []course{{ID: 7, Title: "Rust"}}, out)
}

func TestGetWithFallback_NoFallback(t *testing.T) {
	svc, _, _, _ := newTestDegradation(t, newMemSnapshotRepo())

	_, err := svc.GetWithFallback(context.Background(), "unregistered", func(context.Context) (interface{}, error) {
		return nil, errStoreDown
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceDegraded))
}

func TestGetWithFallback_ClientErrorPassesThrough(t *testing.T) {
	svc, registry, _, _ := newTestDegradation(t, nil)
	svc.Register("course", breaker.ResourceDatabase, course{})

	for i := 0; i < 5; i++ {
		_, err := svc.GetWithFallback(context.Background(), "course", func(context.Context) (interface{}, error) {
			return nil, gorm.ErrRecordNotFound
		})
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	}
	assert.Equal(t, breaker.StateClosed, registry.Get(breaker.ResourceDatabase).State())
}

func TestGetWithFallback_OpenCircuitSkipsPrimary(t *testing.T) {
	svc, registry, _, _ := newTestDegradation(t, nil)
	ctx := context.Background()
	svc.Register("catalog", breaker.ResourceDatabase, []course{})

	var calls atomic.Int32
	primary := func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, errStoreDown
	}
	for i := 0; i < 3; i++ {
		_, err := svc.GetWithFallback(ctx, "catalog", primary)
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, registry.Get(breaker.ResourceDatabase).State())

	res, err := svc.GetWithFallback(ctx, "catalog", primary)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, res.Source)
	assert.Equal(t, int32(3), calls.Load())

	assert.True(t, svc.IsDegraded())
	assert.Equal(t, "OPEN", svc.CircuitStates()[breaker.ResourceDatabase])
}

func TestFetchAs_Live(t *testing.T) {
	svc, _, _, _ := newTestDegradation(t, nil)

	out, res, err := FetchAs(context.Background(), svc, "course", func(context.Context) (course, error) {
		return course{ID: 3, Title: "SQL"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.Equal(t, 3, out.ID)
}

func TestGetHealthStatus(t *testing.T) {
	svc, registry, store, _ := newTestDegradation(t, nil)
	ctx := context.Background()
	svc.Register("catalog", breaker.ResourceDatabase, []course{})

	_, err := svc.GetWithFallback(ctx, "catalog", func(context.Context) (interface{}, error) {
		return []course{}, nil
	})
	require.NoError(t, err)

	h := svc.GetHealthStatus(ctx)
	assert.True(t, h.Healthy())
	assert.Equal(t, "up", h.Cache.Status)
	assert.Contains(t, h.Breakers, breaker.ResourceDatabase)
	assert.Contains(t, h.Breakers, breaker.ResourceAuth)
	assert.True(t, h.Snapshots["catalog"].Fresh)
	require.NotNil(t, h.Store)
	assert.True(t, h.Store.Connected)

	t.Run("cache down is not degraded", func(t *testing.T) {
		svc.cache = &fakePinger{err: data.ErrCacheUnavailable}
		h := svc.GetHealthStatus(ctx)
		assert.True(t, h.Healthy())
		assert.Equal(t, "down", h.Cache.Status)
	})

	t.Run("store disconnected", func(t *testing.T) {
		store.connected.Store(false)
		defer store.connected.Store(true)

		h := svc.GetHealthStatus(ctx)
		assert.Equal(t, HealthStatusDegraded, h.Status)
		assert.Contains(t, h.Reasons, "store disconnected")
		assert.True(t, svc.IsDegraded())
	})

	t.Run("auth circuit open", func(t *testing.T) {
		auth := registry.Get(breaker.ResourceAuth)
		for i := 0; i < 3; i++ {
			_ = auth.Execute(ctx, func(context.Context) error { return errStoreDown }, nil)
		}
		h := svc.GetHealthStatus(ctx)
		assert.Equal(t, HealthStatusDegraded, h.Status)
		assert.Contains(t, h.Reasons, "auth circuit OPEN")
	})
}
