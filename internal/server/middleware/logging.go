// Package middleware provides the request logging, guard and response
// metadata middleware of the Bulwark servers.
package middleware

import (
	"context"
	"net"
	"strings"
	"time"

	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// Logging 返回一个记录请求日志的中间件
// 自动生成 Request ID、检测慢请求、注入 Request Context
//
// 日志输出示例:
//
//	🟢 GET /v1/security/dashboard - 200 (42ms) | RequestID: 5f0c...
//	🐌 [5f0c...] Slow request detected | GET /v1/security/dashboard | 1438ms
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			start := time.Now()
			info := describe(ctx)

			// 注入 Request Context，后续各层日志自动携带
			ctx = pkglog.WithRequestContext(ctx, info.requestID, info.ip, info.userAgent)

			reply, err := handler(ctx, req)

			status := 200
			if err != nil {
				status = int(errors.FromError(err).Code)
			}
			logger.RequestWithContext(ctx, info.method, info.target, status, time.Since(start).Milliseconds(),
				"user_agent", info.userAgent,
			)
			return reply, err
		}
	}
}

type requestInfo struct {
	method    string
	target    string
	ip        string
	userAgent string
	requestID string
}

// describe reads the request line from the server transport and makes sure
// the request carries an id, echoing it back on the reply.
func describe(ctx context.Context) requestInfo {
	tr, ok := transport.FromServerContext(ctx)
	if !ok {
		return requestInfo{requestID: pkglog.GenerateRequestID()}
	}

	info := requestInfo{
		method:    tr.Kind().String(),
		target:    tr.Operation(),
		userAgent: tr.RequestHeader().Get("User-Agent"),
		requestID: tr.RequestHeader().Get(HeaderRequestID),
	}
	if ht, ok := tr.(http.Transporter); ok {
		r := ht.Request()
		info.method = r.Method
		info.target = r.URL.RequestURI()
		info.ip = ClientIP(r)
	}
	if info.requestID == "" {
		info.requestID = pkglog.GenerateRequestID()
	}
	tr.ReplyHeader().Set(HeaderRequestID, info.requestID)
	return info
}

// ClientIP 从请求中提取客户端真实 IP
// 优先级: X-Real-IP > X-Forwarded-For > RemoteAddr
func ClientIP(req *http.Request) string {
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	// 取 X-Forwarded-For 的第一个 IP
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	// RemoteAddr 带端口
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}
