// Package biz contains business logic layer implementations.
// This layer holds the rate limiter, session lifecycle, security monitor and
// graceful degradation rules.
package biz

import (
	"Bulwark/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewRateLimiter,
	NewFingerprintHasher,
	NewSessionUseCase,
	NewSecurityMonitor,
	NewGracefulDegradationService,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(RateLimitRepo), new(*data.RateLimitRepo)),
	wire.Bind(new(SessionRepo), new(*data.SessionRepo)),
	wire.Bind(new(SecurityEventRepo), new(*data.SecurityEventRepo)),
	wire.Bind(new(BlockedIPRepo), new(*data.BlockedIPRepo)),
	wire.Bind(new(SnapshotRepo), new(*data.SnapshotRepo)),
	wire.Bind(new(AlertNotifier), new(*data.NoopAlertNotifier)),
	wire.Bind(new(StoreHealth), new(*data.Store)),
	wire.Bind(new(CachePinger), new(*data.Data)),
	wire.Bind(new(EventReporter), new(*SecurityMonitor)),
)
