package biz

import (
	"context"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/data"
	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metadata"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Endpoint classes with built-in budgets.
const (
	ClassLogin         = "login"
	ClassAPI           = "api"
	ClassAdmin         = "admin"
	ClassPasswordReset = "password_reset"
)

// Decision reasons.
const (
	DecisionRateLimited = "rate_limited"
	DecisionBlocked     = "blocked"
	DecisionUnavailable = "unavailable"
	// DecisionDegraded marks an allow granted without consulting the store.
	DecisionDegraded = "degraded"
)

const (
	failClosedRetry    = 30 * time.Second
	writeBehindTimeout = 3 * time.Second
	// window_start 以毫秒精度落库 (DATETIME(3))
	windowPrecision = time.Millisecond
)

// RateClass is the request budget of one endpoint class.
type RateClass struct {
	Requests   int
	Window     time.Duration
	FailClosed bool
}

// DefaultRateClasses returns the built-in endpoint classes.
func DefaultRateClasses() map[string]RateClass {
	return map[string]RateClass{
		ClassLogin:         {Requests: 5, Window: 15 * time.Minute},
		ClassAPI:           {Requests: 100, Window: time.Minute},
		ClassAdmin:         {Requests: 200, Window: time.Minute, FailClosed: true},
		ClassPasswordReset: {Requests: 3, Window: time.Hour, FailClosed: true},
	}
}

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
	Reason    string
}

type localEntry struct {
	count        int
	windowStart  time.Time
	window       time.Duration
	blockedUntil time.Time
	denied       bool
}

// expired reports whether both the window and any block have passed.
func (e *localEntry) expired(now time.Time) bool {
	return now.Sub(e.windowStart) >= e.window && !now.Before(e.blockedUntil)
}

type increment struct {
	identifier  string
	endpoint    string
	windowStart time.Time
	delta       int
}

// RateLimiter is a two-tier sliding-window limiter: a bounded in-memory tier
// answers hot keys, the durable tier is consulted on a local miss and kept in
// sync by a write-behind queue. Cross-process accounting is eventually
// consistent.
type RateLimiter struct {
	repo    RateLimitRepo
	events  EventReporter
	classes map[string]RateClass
	log     *pkglog.LogHelper

	mu    sync.Mutex
	local *lru.Cache[string, *localEntry]
	// 同一 key 的本地未命中只有一个请求去读持久层
	fills singleflight.Group

	queueMu   sync.RWMutex
	closed    bool
	queue     chan increment
	done      chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewRateLimiter creates the limiter and starts its write-behind worker.
func NewRateLimiter(c *conf.RateLimit, repo RateLimitRepo, events EventReporter, logger log.Logger) (*RateLimiter, func(), error) {
	classes := DefaultRateClasses()
	size, queueSize := 10000, 1000
	if c != nil {
		for name, rc := range c.Classes {
			if rc == nil || rc.Requests <= 0 || rc.Window <= 0 {
				continue
			}
			classes[name] = RateClass{Requests: rc.Requests, Window: rc.Window, FailClosed: rc.FailClosed}
		}
		if c.LocalCacheSize > 0 {
			size = c.LocalCacheSize
		}
		if c.QueueSize > 0 {
			queueSize = c.QueueSize
		}
	}

	local, err := lru.New[string, *localEntry](size)
	if err != nil {
		return nil, nil, err
	}

	rl := &RateLimiter{
		repo:    repo,
		events:  events,
		classes: classes,
		log:     pkglog.NewLogHelper(log.With(logger, "module", "biz/rate_limiter")),
		local:   local,
		queue:   make(chan increment, queueSize),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.drain()

	return rl, rl.Close, nil
}

// Class returns the budget applied to endpoint. Unknown endpoints use the api class.
func (rl *RateLimiter) Class(endpoint string) (string, RateClass) {
	if c, ok := rl.classes[endpoint]; ok {
		return endpoint, c
	}
	return ClassAPI, rl.classes[ClassAPI]
}

// Classes returns the configured class names in sorted order.
func (rl *RateLimiter) Classes() []string {
	names := make([]string, 0, len(rl.classes))
	for name := range rl.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func localKey(identifier, endpoint string) string {
	return identifier + "|" + endpoint
}

// CheckRateLimit counts one request of identifier against endpoint and
// decides whether it may proceed. ip is recorded on security events.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, identifier, endpoint, ip string) RateDecision {
	className, class := rl.Class(endpoint)
	d := rl.check(ctx, identifier, endpoint, ip, class)

	outcome := "allowed"
	if !d.Allowed {
		outcome = d.Reason
	} else if d.Reason == DecisionDegraded {
		outcome = DecisionDegraded
	}
	rateLimitDecisions.WithLabelValues(className, outcome).Inc()
	return d
}

func (rl *RateLimiter) check(ctx context.Context, identifier, endpoint, ip string, class RateClass) RateDecision {
	key := localKey(identifier, endpoint)
	if d, ok := rl.checkLocal(ctx, key, identifier, endpoint, ip, class); ok {
		return d
	}

	var led bool
	v, _, _ := rl.fills.Do(key, func() (interface{}, error) {
		led = true
		// 上一轮加载可能刚写入本地条目
		if d, ok := rl.checkLocal(ctx, key, identifier, endpoint, ip, class); ok {
			return d, nil
		}
		return rl.checkDurable(ctx, identifier, endpoint, ip, class, rl.now()), nil
	})
	d := v.(RateDecision)
	if led {
		return d
	}

	// joined another caller's load: count this request against the entry it left
	if ld, ok := rl.checkLocal(ctx, key, identifier, endpoint, ip, class); ok {
		return ld
	}
	return d
}

// checkLocal answers from a live local entry. ok is false on a miss.
func (rl *RateLimiter) checkLocal(ctx context.Context, key, identifier, endpoint, ip string, class RateClass) (RateDecision, bool) {
	now := rl.now()

	rl.mu.Lock()
	e, ok := rl.local.Get(key)
	if !ok {
		rl.mu.Unlock()
		return RateDecision{}, false
	}
	if now.Before(e.blockedUntil) {
		until := e.blockedUntil
		rl.mu.Unlock()
		return RateDecision{Limit: class.Requests, ResetTime: until, Reason: DecisionBlocked}, true
	}
	if now.Sub(e.windowStart) >= class.Window {
		rl.mu.Unlock()
		return RateDecision{}, false
	}

	d, firstDenial, escalate := rl.hitLocked(e, now, class)
	windowStart, count, blockedUntil := e.windowStart, e.count, e.blockedUntil
	rl.mu.Unlock()

	rl.enqueue(increment{identifier: identifier, endpoint: endpoint, windowStart: windowStart, delta: 1})
	if escalate {
		rl.persistBlock(ctx, identifier, endpoint, count, windowStart, blockedUntil)
	}
	if firstDenial || escalate {
		rl.reportExceeded(ctx, identifier, endpoint, ip, count, class, escalate)
	}
	return d, true
}

// hitLocked counts a request against a live local window. Caller holds rl.mu.
func (rl *RateLimiter) hitLocked(e *localEntry, now time.Time, class RateClass) (d RateDecision, firstDenial, escalate bool) {
	e.count++
	reset := e.windowStart.Add(class.Window)

	if e.count <= class.Requests {
		return RateDecision{Allowed: true, Limit: class.Requests, Remaining: class.Requests - e.count, ResetTime: reset}, false, false
	}

	firstDenial = !e.denied
	e.denied = true
	if e.count >= 2*class.Requests {
		e.blockedUntil = now.Add(2 * class.Window)
		reset = e.blockedUntil
		escalate = true
	}
	return RateDecision{Limit: class.Requests, ResetTime: reset, Reason: DecisionRateLimited}, firstDenial, escalate
}

func (rl *RateLimiter) checkDurable(ctx context.Context, identifier, endpoint, ip string, class RateClass, now time.Time) RateDecision {
	rec, err := rl.repo.Get(ctx, identifier, endpoint)
	if err != nil {
		return rl.storeFailure(endpoint, class, now, err)
	}

	switch {
	case rec != nil && rec.Blocked(now):
		rl.remember(identifier, endpoint, &localEntry{
			count:        rec.RequestCount,
			windowStart:  rec.WindowStart,
			window:       class.Window,
			blockedUntil: *rec.BlockedUntil,
			denied:       true,
		})
		return RateDecision{Limit: class.Requests, ResetTime: *rec.BlockedUntil, Reason: DecisionBlocked}

	case rec == nil || now.Sub(rec.WindowStart) >= class.Window:
		start := now.Truncate(windowPrecision)
		fresh := &data.RateLimitRecord{Identifier: identifier, Endpoint: endpoint, RequestCount: 1, WindowStart: start}
		if rec == nil {
			// 另一个进程可能刚建好这一行，此时计数 +1
			err = rl.repo.Open(ctx, fresh)
		} else {
			err = rl.repo.Upsert(ctx, fresh)
		}
		if err != nil {
			return rl.storeFailure(endpoint, class, now, err)
		}
		rl.remember(identifier, endpoint, &localEntry{count: 1, windowStart: start, window: class.Window})
		return RateDecision{Allowed: true, Limit: class.Requests, Remaining: class.Requests - 1, ResetTime: start.Add(class.Window)}

	case rec.RequestCount >= class.Requests:
		until := now.Add(2 * class.Window)
		rec.RequestCount++
		rec.BlockedUntil = &until
		if err := rl.repo.Upsert(ctx, rec); err != nil {
			rl.log.Warnw("msg", "failed to persist rate limit block",
				"identifier", identifier,
				"endpoint", endpoint,
				"error", err,
				"type", "rate_limit")
		}
		rl.remember(identifier, endpoint, &localEntry{
			count:        rec.RequestCount,
			windowStart:  rec.WindowStart,
			window:       class.Window,
			blockedUntil: until,
			denied:       true,
		})
		rl.reportExceeded(ctx, identifier, endpoint, ip, rec.RequestCount, class, true)
		return RateDecision{Limit: class.Requests, ResetTime: until, Reason: DecisionRateLimited}

	default:
		count := rec.RequestCount + 1
		if err := rl.repo.Increment(ctx, identifier, endpoint, rec.WindowStart, 1); err != nil {
			rl.log.Warnw("msg", "failed to increment durable rate limit counter",
				"identifier", identifier,
				"endpoint", endpoint,
				"error", err,
				"type", "rate_limit")
		}
		rl.remember(identifier, endpoint, &localEntry{count: count, windowStart: rec.WindowStart, window: class.Window})
		return RateDecision{
			Allowed:   true,
			Limit:     class.Requests,
			Remaining: class.Requests - count,
			ResetTime: rec.WindowStart.Add(class.Window),
		}
	}
}

// storeFailure applies the class failure policy when the durable tier is unreachable.
func (rl *RateLimiter) storeFailure(endpoint string, class RateClass, now time.Time, err error) RateDecision {
	if class.FailClosed {
		rl.log.Degraded("rate limit store unavailable, denying fail-closed endpoint",
			"endpoint", endpoint,
			"error", err)
		return RateDecision{Limit: class.Requests, ResetTime: now.Add(failClosedRetry), Reason: DecisionUnavailable}
	}

	rl.log.Degraded("rate limit store unavailable, allowing request",
		"endpoint", endpoint,
		"error", err)
	return RateDecision{
		Allowed:   true,
		Limit:     class.Requests,
		Remaining: class.Requests,
		ResetTime: now.Add(class.Window),
		Reason:    DecisionDegraded,
	}
}

// remember stores e, merging it into a live entry of the same window.
func (rl *RateLimiter) remember(identifier, endpoint string, e *localEntry) {
	key := localKey(identifier, endpoint)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cur, ok := rl.local.Peek(key); ok && cur.windowStart.Equal(e.windowStart) {
		if e.count > cur.count {
			cur.count = e.count
		}
		if e.blockedUntil.After(cur.blockedUntil) {
			cur.blockedUntil = e.blockedUntil
		}
		cur.denied = cur.denied || e.denied
		return
	}
	rl.local.Add(key, e)
}

func (rl *RateLimiter) persistBlock(ctx context.Context, identifier, endpoint string, count int, windowStart, until time.Time) {
	rec := &data.RateLimitRecord{
		Identifier:   identifier,
		Endpoint:     endpoint,
		RequestCount: count,
		WindowStart:  windowStart,
		BlockedUntil: &until,
	}
	if err := rl.repo.Upsert(ctx, rec); err != nil {
		rl.log.Warnw("msg", "failed to persist rate limit block",
			"identifier", identifier,
			"endpoint", endpoint,
			"error", err,
			"type", "rate_limit")
	}
}

func (rl *RateLimiter) reportExceeded(ctx context.Context, identifier, endpoint, ip string, count int, class RateClass, blocked bool) {
	rl.log.RateLimit("rate limit exceeded",
		"identifier", identifier,
		"endpoint", endpoint,
		"count", count,
		"limit", class.Requests,
		"blocked", blocked)

	if rl.events == nil {
		return
	}
	payload := &metadata.EventData{
		Identifier: identifier,
		Endpoint:   endpoint,
		Count:      count,
		Limit:      class.Requests,
	}
	if blocked {
		payload.Reason = "escalated_block"
	}
	rl.events.LogSecurityEvent(ctx, model.NewSecurityEvent(model.EventRateLimitExceeded, ip, "", payload))
}

// enqueue forwards a local increment to the durable tier without blocking.
func (rl *RateLimiter) enqueue(inc increment) {
	rl.queueMu.RLock()
	defer rl.queueMu.RUnlock()
	// 关闭后只保留本地计数
	if rl.closed {
		return
	}
	select {
	case rl.queue <- inc:
	default:
		rateLimitQueueDropped.Inc()
		rl.log.Warnw("msg", "rate limit write-behind queue full, dropping increment",
			"identifier", inc.identifier,
			"endpoint", inc.endpoint,
			"type", "rate_limit")
	}
}

func (rl *RateLimiter) drain() {
	defer close(rl.done)
	for inc := range rl.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeBehindTimeout)
		if err := rl.repo.Increment(ctx, inc.identifier, inc.endpoint, inc.windowStart, inc.delta); err != nil {
			rl.log.Debugw("msg", "write-behind increment failed",
				"identifier", inc.identifier,
				"endpoint", inc.endpoint,
				"error", err,
				"type", "rate_limit")
		}
		cancel()
	}
}

// Close stops the write-behind worker after draining queued increments.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		rl.queueMu.Lock()
		rl.closed = true
		close(rl.queue)
		rl.queueMu.Unlock()
		<-rl.done
	})
}

// Reset clears the counters and any block for (identifier, endpoint).
func (rl *RateLimiter) Reset(ctx context.Context, identifier, endpoint string) error {
	rl.mu.Lock()
	rl.local.Remove(localKey(identifier, endpoint))
	rl.mu.Unlock()

	if err := rl.repo.Delete(ctx, identifier, endpoint); err != nil {
		return err
	}
	rl.log.RateLimit("rate limit reset", "identifier", identifier, "endpoint", endpoint)
	return nil
}

// Sweep evicts local entries whose window and block have both passed and
// returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()
	removed := 0

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, key := range rl.local.Keys() {
		e, ok := rl.local.Peek(key)
		if !ok {
			continue
		}
		if e.expired(now) {
			rl.local.Remove(key)
			removed++
		}
	}
	return removed
}

// SweepDurable deletes durable records whose window and block have both passed.
func (rl *RateLimiter) SweepDurable(ctx context.Context) (int64, error) {
	now := rl.now()
	return rl.repo.DeleteExpired(ctx, now.Add(-rl.maxWindow()), now)
}

func (rl *RateLimiter) maxWindow() time.Duration {
	var longest time.Duration
	for _, c := range rl.classes {
		if c.Window > longest {
			longest = c.Window
		}
	}
	return longest
}
