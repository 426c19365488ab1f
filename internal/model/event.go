package model

import (
	"time"

	"Bulwark/pkg/metadata"
)

// SecurityEvent is a security-relevant occurrence reported by any component.
type SecurityEvent struct {
	Type      EventType
	Severity  Severity
	IP        string
	UserAgent string
	Data      *metadata.EventData
	CreatedAt time.Time
}

// NewSecurityEvent creates an event with the default severity of its type.
func NewSecurityEvent(t EventType, ip, userAgent string, data *metadata.EventData) *SecurityEvent {
	if data == nil {
		data = &metadata.EventData{}
	}
	return &SecurityEvent{
		Type:      t,
		Severity:  t.DefaultSeverity(),
		IP:        ip,
		UserAgent: userAgent,
		Data:      data,
	}
}

// IPBlockedAlert is sent to the alert channel when an IP is blocked automatically.
type IPBlockedAlert struct {
	IP        string
	Reason    string
	Count     int
	Patterns  []string
	BlockedAt time.Time
	ExpiresAt time.Time
}

// BreakerAlert is sent when a critical breaker changes state.
type BreakerAlert struct {
	Resource string
	From     string
	To       string
	At       time.Time
}
