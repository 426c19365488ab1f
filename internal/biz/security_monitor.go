package biz

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/data"
	"Bulwark/internal/model"
	"Bulwark/pkg/breaker"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metadata"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

// Block reasons.
const (
	BlockReasonSuspicious = "suspicious_activity"
	BlockReasonManual     = "manual"
)

const alertTimeout = 5 * time.Second

type securityConfig struct {
	window              time.Duration
	threshold           int
	blockDuration       time.Duration
	highVolumeThreshold int
	dashboardWindow     time.Duration
	dashboardLimit      int
	retention           time.Duration
	counterCacheSize    int
	blockCacheSize      int
	blockCacheTTL       time.Duration
}

func newSecurityConfig(c *conf.Security) securityConfig {
	cfg := securityConfig{
		window:              5 * time.Minute,
		threshold:           5,
		blockDuration:       24 * time.Hour,
		highVolumeThreshold: 20,
		dashboardWindow:     24 * time.Hour,
		dashboardLimit:      100,
		retention:           30 * 24 * time.Hour,
		counterCacheSize:    10000,
		blockCacheSize:      10000,
		blockCacheTTL:       time.Minute,
	}
	if c == nil {
		return cfg
	}
	if c.MonitoringWindow > 0 {
		cfg.window = c.MonitoringWindow
	}
	if c.SuspiciousThreshold > 0 {
		cfg.threshold = c.SuspiciousThreshold
	}
	if c.BlockDuration > 0 {
		cfg.blockDuration = c.BlockDuration
	}
	if c.HighVolumeThreshold > 0 {
		cfg.highVolumeThreshold = c.HighVolumeThreshold
	}
	if c.DashboardWindow > 0 {
		cfg.dashboardWindow = c.DashboardWindow
	}
	if c.DashboardLimit > 0 {
		cfg.dashboardLimit = c.DashboardLimit
	}
	if c.EventRetention > 0 {
		cfg.retention = c.EventRetention
	}
	if c.CounterCacheSize > 0 {
		cfg.counterCacheSize = c.CounterCacheSize
	}
	if c.BlockCacheSize > 0 {
		cfg.blockCacheSize = c.BlockCacheSize
	}
	if c.BlockCacheTTL > 0 {
		cfg.blockCacheTTL = c.BlockCacheTTL
	}
	return cfg
}

type counterKey struct {
	ip  string
	typ model.EventType
}

type eventCounter struct {
	count    int
	lastSeen time.Time
	flagged  bool
}

// escalation is what the detector decided for one observed event.
type escalation struct {
	suspicious bool
	block      bool
	count      int
	patterns   []string
}

// SecurityMonitor records security events, detects repeated suspicious
// activity per source IP and maintains IP blocks.
type SecurityMonitor struct {
	events   SecurityEventRepo
	blocks   BlockedIPRepo
	notifier AlertNotifier
	cfg      securityConfig
	log      *pkglog.LogHelper

	mu       sync.Mutex
	counters *lru.Cache[counterKey, *eventCounter]

	blocked *expirable.LRU[string, time.Time] // ip -> block expiry

	now func() time.Time
}

// NewSecurityMonitor creates the monitor and subscribes it to breaker transitions.
func NewSecurityMonitor(c *conf.Security, events SecurityEventRepo, blocks BlockedIPRepo, notifier AlertNotifier, registry *breaker.Registry, logger log.Logger) (*SecurityMonitor, error) {
	cfg := newSecurityConfig(c)

	counters, err := lru.New[counterKey, *eventCounter](cfg.counterCacheSize)
	if err != nil {
		return nil, err
	}

	m := &SecurityMonitor{
		events:   events,
		blocks:   blocks,
		notifier: notifier,
		cfg:      cfg,
		log:      pkglog.NewLogHelper(log.With(logger, "module", "biz/security_monitor")),
		counters: counters,
		blocked:  expirable.NewLRU[string, time.Time](cfg.blockCacheSize, nil, cfg.blockCacheTTL),
		now:      time.Now,
	}
	if registry != nil {
		registry.Subscribe(m.onBreakerStateChange)
	}
	return m, nil
}

// LogSecurityEvent persists ev, logs and counts it, then feeds it to the
// anomaly detector.
func (m *SecurityMonitor) LogSecurityEvent(ctx context.Context, ev *model.SecurityEvent) {
	if ev == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	if !ev.Severity.Valid() {
		ev.Severity = ev.Type.DefaultSeverity()
	}
	if ev.Data == nil {
		ev.Data = &metadata.EventData{}
	}
	if err := ev.Data.Validate(); err != nil {
		m.log.Warnw("msg", "invalid security event payload, storing without extensions",
			"event_type", ev.Type,
			"error", err,
			"type", "security")
		trimmed := *ev.Data
		trimmed.Extra = nil
		if len(trimmed.Patterns) > 20 {
			trimmed.Patterns = trimmed.Patterns[:20]
		}
		ev.Data = &trimmed
	}

	m.events.Save(ctx, ev)
	securityEvents.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()

	kvs := []interface{}{
		"event_type", string(ev.Type),
		"severity", string(ev.Severity),
		"ip", ev.IP,
		"data", ev.Data.String(),
	}
	if ev.Severity == model.SeverityCritical {
		m.log.Critical("security event", kvs...)
	} else {
		m.log.Security("security event", kvs...)
	}

	if ev.IP == "" || ev.Type.IsEscalation() {
		return
	}

	esc := m.observe(ev.IP, ev.Type)
	if esc.suspicious {
		m.LogSecurityEvent(ctx, &model.SecurityEvent{
			Type:      model.EventSuspiciousActivity,
			Severity:  model.SeverityHigh,
			IP:        ev.IP,
			UserAgent: ev.UserAgent,
			Data: &metadata.EventData{
				Reason:   string(ev.Type),
				Count:    esc.count,
				Patterns: esc.patterns,
			},
		})
	}
	if esc.block {
		m.autoBlock(ctx, ev.IP, string(ev.Type), esc)
	}
}

// observe counts one event for (ip, t) and decides whether it escalates.
func (m *SecurityMonitor) observe(ip string, t model.EventType) escalation {
	now := m.now()
	key := counterKey{ip: ip, typ: t}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters.Get(key)
	if !ok || now.Sub(c.lastSeen) > m.cfg.window {
		c = &eventCounter{}
		m.counters.Add(key, c)
	}
	c.count++
	c.lastSeen = now

	var esc escalation
	switch {
	case c.count >= 2*m.cfg.threshold:
		esc = escalation{block: true, count: c.count}
		esc.patterns = m.patternsLocked(ip, now)
		m.counters.Remove(key)
	case c.count >= m.cfg.threshold && !c.flagged:
		c.flagged = true
		esc = escalation{suspicious: true, count: c.count}
		esc.patterns = m.patternsLocked(ip, now)
	}
	return esc
}

// patternsLocked returns the event types with live counters for ip. Caller holds m.mu.
func (m *SecurityMonitor) patternsLocked(ip string, now time.Time) []string {
	var patterns []string
	for _, k := range m.counters.Keys() {
		if k.ip != ip {
			continue
		}
		if c, ok := m.counters.Peek(k); ok && now.Sub(c.lastSeen) <= m.cfg.window {
			patterns = append(patterns, string(k.typ))
		}
	}
	sort.Strings(patterns)
	return patterns
}

func (m *SecurityMonitor) autoBlock(ctx context.Context, ip, trigger string, esc escalation) {
	now := m.now()
	until := now.Add(m.cfg.blockDuration)

	if err := m.blocks.Upsert(ctx, &data.BlockedIP{
		IP:        ip,
		Reason:    BlockReasonSuspicious,
		BlockedAt: now,
		ExpiresAt: until,
	}); err != nil {
		m.log.Critical("failed to persist automatic ip block", "ip", ip, "error", err)
		return
	}
	m.blocked.Add(ip, until)
	ipBlocks.WithLabelValues("auto").Inc()

	m.LogSecurityEvent(ctx, &model.SecurityEvent{
		Type:     model.EventIPBlocked,
		Severity: model.SeverityCritical,
		IP:       ip,
		Data: &metadata.EventData{
			Reason:   BlockReasonSuspicious,
			Count:    esc.count,
			Patterns: esc.patterns,
			Until:    until.Unix(),
		},
	})

	if m.notifier == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := m.notifier.NotifyIPBlocked(actx, &model.IPBlockedAlert{
		IP:        ip,
		Reason:    trigger,
		Count:     esc.count,
		Patterns:  esc.patterns,
		BlockedAt: now,
		ExpiresAt: until,
	}); err != nil {
		m.log.Warnw("msg", "failed to send ip block alert", "ip", ip, "error", err, "type", "security")
	}
}

// IsIPBlocked reports whether ip has an unexpired block. Store errors fail open.
func (m *SecurityMonitor) IsIPBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	now := m.now()

	if until, ok := m.blocked.Get(ip); ok {
		if now.Before(until) {
			return true
		}
		m.blocked.Remove(ip)
	}

	b, err := m.blocks.GetActive(ctx, ip, now)
	if err != nil {
		m.log.Degraded("blocked ip lookup failed, allowing", "ip", ip, "error", err)
		return false
	}
	if b == nil {
		return false
	}
	m.blocked.Add(ip, b.ExpiresAt)
	return true
}

// BlockIP blocks ip for duration (the configured block duration when <= 0).
func (m *SecurityMonitor) BlockIP(ctx context.Context, ip, reason string, duration time.Duration) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	ip = addr.String()
	if duration <= 0 {
		duration = m.cfg.blockDuration
	}
	if reason == "" {
		reason = BlockReasonManual
	}

	now := m.now()
	until := now.Add(duration)
	if err := m.blocks.Upsert(ctx, &data.BlockedIP{IP: ip, Reason: reason, BlockedAt: now, ExpiresAt: until}); err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}
	m.blocked.Add(ip, until)
	ipBlocks.WithLabelValues("manual").Inc()

	m.LogSecurityEvent(ctx, &model.SecurityEvent{
		Type:     model.EventIPBlocked,
		Severity: model.SeverityCritical,
		IP:       ip,
		Data:     &metadata.EventData{Reason: reason, Until: until.Unix()},
	})
	return nil
}

// UnblockIP lifts any block on ip and clears its detector counters.
// It reports whether a block existed.
func (m *SecurityMonitor) UnblockIP(ctx context.Context, ip string) (bool, error) {
	existed, err := m.blocks.Delete(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("failed to unblock ip: %w", err)
	}
	m.blocked.Remove(ip)

	m.mu.Lock()
	for _, k := range m.counters.Keys() {
		if k.ip == ip {
			m.counters.Remove(k)
		}
	}
	m.mu.Unlock()

	if existed {
		m.LogSecurityEvent(ctx, &model.SecurityEvent{
			Type: model.EventIPUnblocked,
			IP:   ip,
			Data: &metadata.EventData{Reason: BlockReasonManual},
		})
	}
	return existed, nil
}

// DashboardEvent is one event row on the security dashboard.
type DashboardEvent struct {
	ID        int64               `json:"id"`
	Type      string              `json:"event_type"`
	Severity  string              `json:"severity"`
	IP        string              `json:"ip"`
	Data      *metadata.EventData `json:"data"`
	CreatedAt time.Time           `json:"created_at"`
}

// SecurityDashboard is the read-only security overview.
type SecurityDashboard struct {
	GeneratedAt   time.Time             `json:"generated_at"`
	Since         time.Time             `json:"since"`
	RecentEvents  []DashboardEvent      `json:"recent_events"`
	ActiveBlocks  []*data.BlockedIP     `json:"active_blocks"`
	HighVolumeIPs []data.IPActivity     `json:"high_volume_ips"`
	TopEventTypes []data.EventTypeCount `json:"top_event_types"`
}

// GetSecurityDashboard aggregates recent activity. The queries run concurrently.
func (m *SecurityMonitor) GetSecurityDashboard(ctx context.Context) (*SecurityDashboard, error) {
	now := m.now()
	since := now.Add(-m.cfg.dashboardWindow)
	d := &SecurityDashboard{GeneratedAt: now, Since: since}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := m.events.RecentEvents(gctx, since, m.cfg.dashboardLimit)
		if err != nil {
			return fmt.Errorf("recent events: %w", err)
		}
		d.RecentEvents = make([]DashboardEvent, 0, len(rows))
		for _, r := range rows {
			payload, err := metadata.Parse(r.Data)
			if err != nil {
				payload = &metadata.EventData{}
			}
			d.RecentEvents = append(d.RecentEvents, DashboardEvent{
				ID:        r.ID,
				Type:      r.EventType,
				Severity:  r.Severity,
				IP:        r.IP,
				Data:      payload.MaskSensitive(),
				CreatedAt: r.CreatedAt,
			})
		}
		return nil
	})
	g.Go(func() error {
		blocks, err := m.blocks.ListActive(gctx, now, m.cfg.dashboardLimit)
		if err != nil {
			return fmt.Errorf("active blocks: %w", err)
		}
		d.ActiveBlocks = blocks
		return nil
	})
	g.Go(func() error {
		ips, err := m.events.HighVolumeIPs(gctx, since, m.cfg.highVolumeThreshold, m.cfg.dashboardLimit)
		if err != nil {
			return fmt.Errorf("high volume ips: %w", err)
		}
		d.HighVolumeIPs = ips
		return nil
	})
	g.Go(func() error {
		top, err := m.events.TopEventTypes(gctx, since, 20)
		if err != nil {
			return fmt.Errorf("top event types: %w", err)
		}
		d.TopEventTypes = top
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// SweepCounters evicts detector counters idle for longer than the window.
func (m *SecurityMonitor) SweepCounters() int {
	now := m.now()
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.counters.Keys() {
		if c, ok := m.counters.Peek(k); ok && now.Sub(c.lastSeen) > m.cfg.window {
			m.counters.Remove(k)
			removed++
		}
	}
	return removed
}

// SweepRetention removes expired blocks and events older than the retention period.
func (m *SecurityMonitor) SweepRetention(ctx context.Context) (blocks, events int64, err error) {
	now := m.now()

	blocks, err = m.blocks.DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sweep blocked ips: %w", err)
	}
	events, err = m.events.DeleteOlderThan(ctx, now.Add(-m.cfg.retention))
	if err != nil {
		return blocks, 0, fmt.Errorf("failed to sweep security events: %w", err)
	}

	if blocks > 0 || events > 0 {
		m.log.Security("security retention sweep", "blocks", blocks, "events", events)
	}
	return blocks, events, nil
}

// onBreakerStateChange turns breaker transitions into security events.
func (m *SecurityMonitor) onBreakerStateChange(name string, from, to breaker.State) {
	var t model.EventType
	switch to {
	case breaker.StateOpen:
		t = model.EventCircuitBreakerOpened
	case breaker.StateClosed:
		t = model.EventCircuitBreakerClosed
	default:
		return
	}

	ctx := context.Background()
	payload := (&metadata.EventData{Reason: from.String() + "->" + to.String()}).Set("resource", name)
	m.LogSecurityEvent(ctx, model.NewSecurityEvent(t, "", "", payload))

	if m.notifier == nil || (name != breaker.ResourceDatabase && name != breaker.ResourceAuth) {
		return
	}
	actx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := m.notifier.NotifyBreaker(actx, &model.BreakerAlert{
		Resource: name,
		From:     from.String(),
		To:       to.String(),
		At:       m.now(),
	}); err != nil {
		m.log.Warnw("msg", "failed to send breaker alert", "resource", name, "error", err, "type", "breaker")
	}
}
