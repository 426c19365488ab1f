package log

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestContextKey contextKey = "bulwark_request_context"

// RequestContext 存储请求追踪信息，由中间件注入，供各层日志读取
type RequestContext struct {
	RequestID string
	ClientIP  string
	UserAgent string
	SessionID string
	UserID    string
	StartTime time.Time
}

// GenerateRequestID returns a compact random request id (32 hex chars).
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithRequestContext 将 RequestContext 注入到 Context 中
func WithRequestContext(ctx context.Context, requestID, clientIP, userAgent string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		StartTime: time.Now(),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext 从 Context 中提取 RequestContext
// 如果不存在，返回一个默认的空 RequestContext
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx != nil {
		if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID 从 Context 中提取 Request ID
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetClientIP 从 Context 中提取客户端 IP
func GetClientIP(ctx context.Context) string {
	return GetRequestContext(ctx).ClientIP
}

// SetSession records the authenticated session on the request context.
// It is a no-op when the context carries no RequestContext.
func SetSession(ctx context.Context, sessionID, userID string) {
	if ctx == nil {
		return
	}
	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		reqCtx.SessionID = sessionID
		reqCtx.UserID = userID
	}
}

// GetElapsedTime 获取请求已执行时间（毫秒）
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
