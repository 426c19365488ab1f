package middleware

import (
	"context"
	"strconv"
	"time"

	"Bulwark/internal/biz"
	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metadata"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// Rate limit response headers.
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// ClassifyFunc maps an operation to its rate limit endpoint class.
type ClassifyFunc func(operation string) string

// IPBlock rejects requests from blocked addresses with a generic 403.
// It reads the client IP injected by Logging.
func IPBlock(monitor *biz.SecurityMonitor) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			reqCtx := pkglog.GetRequestContext(ctx)
			if monitor.IsIPBlocked(ctx, reqCtx.ClientIP) {
				monitor.LogSecurityEvent(ctx, model.NewSecurityEvent(model.EventBlockedIPAccess, reqCtx.ClientIP, reqCtx.UserAgent,
					&metadata.EventData{Endpoint: operation(ctx)}))
				return nil, biz.ErrAccessDenied
			}
			return handler(ctx, req)
		}
	}
}

// RateLimit applies the rate limiter keyed by client IP and the class
// chosen by classify. Every answer carries the X-RateLimit headers.
func RateLimit(limiter *biz.RateLimiter, classify ClassifyFunc) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			op := operation(ctx)
			endpoint := biz.ClassAPI
			if classify != nil {
				if c := classify(op); c != "" {
					endpoint = c
				}
			}

			ip := pkglog.GetClientIP(ctx)
			d := limiter.CheckRateLimit(ctx, ip, endpoint, ip)

			if tr, ok := transport.FromServerContext(ctx); ok {
				h := tr.ReplyHeader()
				h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
				h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
				h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetTime.Unix(), 10))
				if !d.Allowed {
					h.Set(HeaderRetryAfter, strconv.FormatInt(retryAfter(d.ResetTime, time.Now()), 10))
				}
			}

			if !d.Allowed {
				return nil, biz.NewRateLimitedError(&d, time.Now())
			}
			return handler(ctx, req)
		}
	}
}

func retryAfter(reset, now time.Time) int64 {
	s := int64(reset.Sub(now).Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

func operation(ctx context.Context) string {
	if tr, ok := transport.FromServerContext(ctx); ok {
		return tr.Operation()
	}
	return ""
}
