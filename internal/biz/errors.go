package biz

import (
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons exposed at the transport edge. Messages are deliberately
// uniform so responses never reveal which check failed.
const (
	ReasonRateLimited     = "RATE_LIMITED"
	ReasonSessionInvalid  = "SESSION_INVALID"
	ReasonAccessDenied    = "ACCESS_DENIED"
	ReasonServiceDegraded = "SERVICE_DEGRADED"
)

var (
	// ErrSessionInvalid is returned for any session that fails validation.
	ErrSessionInvalid = errors.New(401, ReasonSessionInvalid, "authentication required")
	// ErrAccessDenied is returned to blocked clients.
	ErrAccessDenied = errors.New(403, ReasonAccessDenied, "access denied")
	// ErrServiceDegraded is returned when neither the primary nor any fallback can answer.
	ErrServiceDegraded = errors.New(503, ReasonServiceDegraded, "service temporarily unavailable")
)

// NewRateLimitedError creates a 429 error carrying the retry hint in metadata.
func NewRateLimitedError(d *RateDecision, now time.Time) *errors.Error {
	retryAfter := int64(d.ResetTime.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return errors.New(429, ReasonRateLimited, "too many requests").WithMetadata(map[string]string{
		"retry_after": strconv.FormatInt(retryAfter, 10),
		"remaining":   strconv.Itoa(d.Remaining),
		"reset":       strconv.FormatInt(d.ResetTime.Unix(), 10),
	})
}
