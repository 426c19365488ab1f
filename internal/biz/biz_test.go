package biz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/data"
	"Bulwark/internal/model"

	"github.com/stretchr/testify/mock"
)

var errStoreDown = errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingReporter captures reported security events.
type recordingReporter struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
}

func (r *recordingReporter) LogSecurityEvent(_ context.Context, ev *model.SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingReporter) ofType(t model.EventType) []*model.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SecurityEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// memRateLimitRepo is an in-memory RateLimitRepo.
type memRateLimitRepo struct {
	mu         sync.Mutex
	records    map[string]*data.RateLimitRecord
	err        error
	increments int
	// getDelay holds every Get after its read, like a database reply in flight.
	getDelay time.Duration
}

func newMemRateLimitRepo() *memRateLimitRepo {
	return &memRateLimitRepo{records: make(map[string]*data.RateLimitRecord)}
}

func (r *memRateLimitRepo) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *memRateLimitRepo) record(identifier, endpoint string) *data.RateLimitRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[localKey(identifier, endpoint)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (r *memRateLimitRepo) Get(_ context.Context, identifier, endpoint string) (*data.RateLimitRecord, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	var out *data.RateLimitRecord
	if rec, ok := r.records[localKey(identifier, endpoint)]; ok {
		cp := *rec
		out = &cp
	}
	delay := r.getDelay
	r.mu.Unlock()

	time.Sleep(delay)
	return out, nil
}

func (r *memRateLimitRepo) Open(_ context.Context, rec *data.RateLimitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if cur, ok := r.records[localKey(rec.Identifier, rec.Endpoint)]; ok {
		cur.RequestCount += rec.RequestCount
		return nil
	}
	cp := *rec
	r.records[localKey(rec.Identifier, rec.Endpoint)] = &cp
	return nil
}

func (r *memRateLimitRepo) Upsert(_ context.Context, rec *data.RateLimitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *rec
	r.records[localKey(rec.Identifier, rec.Endpoint)] = &cp
	return nil
}

func (r *memRateLimitRepo) Increment(_ context.Context, identifier, endpoint string, windowStart time.Time, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.increments++
	if rec, ok := r.records[localKey(identifier, endpoint)]; ok && absDuration(rec.WindowStart.Sub(windowStart)) < time.Millisecond {
		rec.RequestCount += delta
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (r *memRateLimitRepo) Delete(_ context.Context, identifier, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	delete(r.records, localKey(identifier, endpoint))
	return nil
}

func (r *memRateLimitRepo) DeleteExpired(_ context.Context, windowBefore, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.records {
		if rec.WindowStart.Before(windowBefore) && (rec.BlockedUntil == nil || rec.BlockedUntil.Before(now)) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}

// memSessionRepo is an in-memory SessionRepo.
type memSessionRepo struct {
	mu        sync.Mutex
	sessions  map[string]*data.Session
	blacklist map[string]*data.SessionBlacklist
	touches   int
	err       error
	// listDelay separates the read of the active set from the write, like an
	// unlocked round trip to the database.
	listDelay time.Duration
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions:  make(map[string]*data.Session),
		blacklist: make(map[string]*data.SessionBlacklist),
	}
}

func (r *memSessionRepo) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *memSessionRepo) CreateCapped(_ context.Context, s *data.Session, maxConcurrent int, blacklistTTL time.Duration, reason string) ([]*data.SessionBlacklist, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	active := r.activeLocked(s.UserID, s.CreatedAt)
	delay := r.listDelay
	r.mu.Unlock()

	time.Sleep(delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []*data.SessionBlacklist
	for i := 0; i < len(active)-(maxConcurrent-1); i++ {
		id := active[i].SessionID
		entry := &data.SessionBlacklist{
			SessionID:     id,
			Reason:        reason,
			BlacklistedAt: s.CreatedAt,
			ExpiresAt:     s.CreatedAt.Add(blacklistTTL),
		}
		if _, ok := r.blacklist[id]; !ok {
			r.blacklist[id] = entry
		}
		delete(r.sessions, id)
		evicted = append(evicted, entry)
	}
	cp := *s
	r.sessions[s.SessionID] = &cp
	return evicted, nil
}

func (r *memSessionRepo) Get(_ context.Context, sessionID string) (*data.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) ListActiveByUser(_ context.Context, userID string, now time.Time) ([]*data.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.activeLocked(userID, now), nil
}

func (r *memSessionRepo) activeLocked(userID string, now time.Time) []*data.Session {
	var out []*data.Session
	for _, s := range r.sessions {
		if s.UserID == userID && !s.Expired(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out
}

func (r *memSessionRepo) TouchActivity(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.touches++
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = at
	}
	return nil
}

func (r *memSessionRepo) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *memSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.Expired(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) Blacklist(_ context.Context, entry *data.SessionBlacklist) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.blacklist[entry.SessionID]; !ok {
		cp := *entry
		r.blacklist[entry.SessionID] = &cp
	}
	return nil
}

func (r *memSessionRepo) IsBlacklisted(_ context.Context, sessionID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	b, ok := r.blacklist[sessionID]
	return ok && now.Before(b.ExpiresAt), nil
}

func (r *memSessionRepo) DeleteExpiredBlacklist(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, b := range r.blacklist {
		if !now.Before(b.ExpiresAt) {
			delete(r.blacklist, id)
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) blacklisted(sessionID string) *data.SessionBlacklist {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blacklist[sessionID]
}

func (r *memSessionRepo) has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// memEventRepo is an in-memory SecurityEventRepo.
type memEventRepo struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
	err    error
}

func (r *memEventRepo) Save(_ context.Context, ev *model.SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *memEventRepo) saved(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *memEventRepo) RecentEvents(_ context.Context, since time.Time, limit int) ([]*data.SecurityEventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*data.SecurityEventRecord
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := r.events[i]
		if ev.CreatedAt.Before(since) {
			continue
		}
		out = append(out, &data.SecurityEventRecord{
			ID:        int64(i + 1),
			EventType: string(ev.Type),
			Severity:  string(ev.Severity),
			IP:        ev.IP,
			UserAgent: ev.UserAgent,
			Data:      ev.Data.String(),
			CreatedAt: ev.CreatedAt,
		})
	}
	return out, nil
}

func (r *memEventRepo) TopEventTypes(_ context.Context, since time.Time, limit int) ([]data.EventTypeCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	counts := make(map[data.EventTypeCount]int64)
	for _, ev := range r.events {
		if ev.CreatedAt.Before(since) {
			continue
		}
		counts[data.EventTypeCount{EventType: string(ev.Type), Severity: string(ev.Severity)}]++
	}
	out := make([]data.EventTypeCount, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEventRepo) HighVolumeIPs(_ context.Context, since time.Time, threshold, limit int) ([]data.IPActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	counts := make(map[string]int64)
	types := make(map[string]map[string]struct{})
	for _, ev := range r.events {
		if ev.IP == "" || ev.CreatedAt.Before(since) {
			continue
		}
		counts[ev.IP]++
		if types[ev.IP] == nil {
			types[ev.IP] = make(map[string]struct{})
		}
		types[ev.IP][string(ev.Type)] = struct{}{}
	}
	var out []data.IPActivity
	for ip, n := range counts {
		if n <= int64(threshold) {
			continue
		}
		a := data.IPActivity{IP: ip, Count: n}
		for t := range types[ip] {
			a.Types = append(a.Types, t)
		}
		sort.Strings(a.Types)
		out = append(out, a)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEventRepo) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	var n int64
	for _, ev := range r.events {
		if ev.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return n, nil
}

// memBlockedIPRepo is an in-memory BlockedIPRepo.
type memBlockedIPRepo struct {
	mu      sync.Mutex
	blocks  map[string]*data.BlockedIP
	lookups int
	err     error
}

func newMemBlockedIPRepo() *memBlockedIPRepo {
	return &memBlockedIPRepo{blocks: make(map[string]*data.BlockedIP)}
}

func (r *memBlockedIPRepo) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *memBlockedIPRepo) Upsert(_ context.Context, b *data.BlockedIP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *b
	r.blocks[b.IP] = &cp
	return nil
}

func (r *memBlockedIPRepo) GetActive(_ context.Context, ip string, now time.Time) (*data.BlockedIP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	b, ok := r.blocks[ip]
	if !ok || !b.Active(now) {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *memBlockedIPRepo) ListActive(_ context.Context, now time.Time, limit int) ([]*data.BlockedIP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []*data.BlockedIP
	for _, b := range r.blocks {
		if b.Active(now) && len(out) < limit {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memBlockedIPRepo) Delete(_ context.Context, ip string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	_, ok := r.blocks[ip]
	delete(r.blocks, ip)
	return ok, nil
}

func (r *memBlockedIPRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for ip, b := range r.blocks {
		if !b.Active(now) {
			delete(r.blocks, ip)
			n++
		}
	}
	return n, nil
}

func (r *memBlockedIPRepo) get(ip string) *data.BlockedIP {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks[ip]
}

// MockAlertNotifier is a mock implementation of AlertNotifier for testing.
type MockAlertNotifier struct {
	mock.Mock
}

func (m *MockAlertNotifier) NotifyIPBlocked(ctx context.Context, alert *model.IPBlockedAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockAlertNotifier) NotifyBreaker(ctx context.Context, alert *model.BreakerAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}
