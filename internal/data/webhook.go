package data

import (
	"context"

	"Bulwark/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// NoopAlertNotifier only logs alerts; delivery channels (email, chat) are
// provided by the embedding service.
type NoopAlertNotifier struct {
	logger *log.Helper
}

// NewNoopAlertNotifier creates a new noop alert notifier
func NewNoopAlertNotifier(logger log.Logger) *NoopAlertNotifier {
	return &NoopAlertNotifier{
		logger: log.NewHelper(log.With(logger, "module", "data/notifier")),
	}
}

// NotifyIPBlocked logs an automatic IP block.
func (s *NoopAlertNotifier) NotifyIPBlocked(_ context.Context, alert *model.IPBlockedAlert) error {
	s.logger.Warnw("msg", "ip blocked (alert delivery disabled)",
		"ip", alert.IP,
		"reason", alert.Reason,
		"count", alert.Count,
		"patterns", alert.Patterns,
		"expires_at", alert.ExpiresAt,
		"type", "security")
	return nil
}

// NotifyBreaker logs a state change of a critical breaker.
func (s *NoopAlertNotifier) NotifyBreaker(_ context.Context, alert *model.BreakerAlert) error {
	s.logger.Warnw("msg", "circuit breaker state changed (alert delivery disabled)",
		"resource", alert.Resource,
		"from", alert.From,
		"to", alert.To,
		"at", alert.At,
		"type", "breaker")
	return nil
}
