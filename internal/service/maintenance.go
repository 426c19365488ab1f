package service

import (
	"context"
	"fmt"

	"Bulwark/internal/biz"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// MaintenanceService holds the periodic jobs run by the cron server.
type MaintenanceService struct {
	store    biz.StoreHealth
	limiter  *biz.RateLimiter
	sessions *biz.SessionUseCase
	monitor  *biz.SecurityMonitor
	log      *pkglog.LogHelper
}

// NewMaintenanceService creates a new MaintenanceService instance.
func NewMaintenanceService(store biz.StoreHealth, limiter *biz.RateLimiter, sessions *biz.SessionUseCase, monitor *biz.SecurityMonitor, logger log.Logger) *MaintenanceService {
	return &MaintenanceService{
		store:    store,
		limiter:  limiter,
		sessions: sessions,
		monitor:  monitor,
		log:      pkglog.NewLogHelper(log.With(logger, "module", "service/maintenance")),
	}
}

// CheckStore probes the store; a failure triggers its reconnect path.
func (s *MaintenanceService) CheckStore(ctx context.Context) error {
	if err := s.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	return nil
}

// SweepRateLimits evicts expired windows from both tiers.
func (s *MaintenanceService) SweepRateLimits(ctx context.Context) error {
	local := s.limiter.Sweep()
	durable, err := s.limiter.SweepDurable(ctx)
	if err != nil {
		return fmt.Errorf("sweep rate limits: %w", err)
	}
	if local > 0 || durable > 0 {
		s.log.Scheduler("Rate limit windows swept", "local", local, "durable", durable)
	}
	return nil
}

// SweepSessions removes expired sessions and blacklist entries.
func (s *MaintenanceService) SweepSessions(ctx context.Context) error {
	res, err := s.sessions.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	if res.Sessions > 0 || res.Blacklist > 0 || res.Local > 0 {
		s.log.Scheduler("Sessions swept",
			"sessions", res.Sessions,
			"blacklist", res.Blacklist,
			"local", res.Local)
	}
	return nil
}

// SweepDetector evicts idle detector counters.
func (s *MaintenanceService) SweepDetector(context.Context) error {
	if n := s.monitor.SweepCounters(); n > 0 {
		s.log.Scheduler("Detector counters swept", "counters", n)
	}
	return nil
}

// SweepRetention removes expired blocks and events past retention.
func (s *MaintenanceService) SweepRetention(ctx context.Context) error {
	blocks, events, err := s.monitor.SweepRetention(ctx)
	if err != nil {
		return fmt.Errorf("sweep retention: %w", err)
	}
	s.log.Scheduler("Security retention swept", "blocks", blocks, "events", events)
	return nil
}
