package biz

import (
	"context"

	"Bulwark/internal/model"
)

// AlertNotifier defines the interface for operator alerts
type AlertNotifier interface {
	// NotifyIPBlocked sends notification when an IP is blocked automatically
	NotifyIPBlocked(ctx context.Context, alert *model.IPBlockedAlert) error

	// NotifyBreaker sends notification when a critical breaker changes state
	NotifyBreaker(ctx context.Context, alert *model.BreakerAlert) error
}
