package model

// EventType identifies the kind of a security event.
type EventType string

// Security event types
const (
	EventLoginFailed          EventType = "LOGIN_FAILED"
	EventLoginSuccess         EventType = "LOGIN_SUCCESS"
	EventRateLimitExceeded    EventType = "RATE_LIMIT_EXCEEDED"
	EventSessionCreated       EventType = "SESSION_CREATED"
	EventSessionBlacklisted   EventType = "SESSION_BLACKLISTED"
	EventSessionHijackSuspect EventType = "SESSION_HIJACK_SUSPECTED"
	EventSessionRevoked       EventType = "SESSION_REVOKED"
	EventUnauthorizedAccess   EventType = "UNAUTHORIZED_ACCESS"
	EventBlockedIPAccess      EventType = "BLOCKED_IP_ACCESS"
	EventSuspiciousActivity   EventType = "SUSPICIOUS_ACTIVITY_DETECTED"
	EventIPBlocked            EventType = "IP_BLOCKED"
	EventIPUnblocked          EventType = "IP_UNBLOCKED"
	EventCircuitBreakerOpened EventType = "CIRCUIT_BREAKER_OPENED"
	EventCircuitBreakerClosed EventType = "CIRCUIT_BREAKER_CLOSED"
)

// DefaultSeverity returns the severity used when the reporter does not set one.
func (t EventType) DefaultSeverity() Severity {
	switch t {
	case EventIPBlocked:
		return SeverityCritical
	case EventSessionHijackSuspect, EventSuspiciousActivity, EventCircuitBreakerOpened:
		return SeverityHigh
	case EventLoginFailed, EventRateLimitExceeded, EventSessionBlacklisted,
		EventUnauthorizedAccess, EventBlockedIPAccess:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsEscalation reports whether the event is produced by the anomaly detector
// itself. Escalations are never fed back into the detector.
func (t EventType) IsEscalation() bool {
	return t == EventSuspiciousActivity || t == EventIPBlocked || t == EventIPUnblocked
}

// Severity of a security event.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}
