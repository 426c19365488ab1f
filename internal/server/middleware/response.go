package middleware

import (
	"context"
	nethttp "net/http"
	"strconv"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// HeaderServiceDegraded reports the composite degraded flag.
const HeaderServiceDegraded = "X-Service-Degraded"

// CircuitReporter is the view of the degradation service the response
// metadata needs.
type CircuitReporter interface {
	CircuitStates() map[string]string
	IsDegraded() bool
}

// CircuitHeader returns the header name carrying resource's breaker state,
// e.g. X-Circuit-Database.
func CircuitHeader(resource string) string {
	return nethttp.CanonicalHeaderKey("x-circuit-" + resource)
}

// ResponseMetadata 在每个响应上附加熔断器状态和降级标记
// 状态在处理完成后读取，反映本次请求之后的状态
func ResponseMetadata(reporter CircuitReporter) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			reply, err := handler(ctx, req)

			if tr, ok := transport.FromServerContext(ctx); ok {
				h := tr.ReplyHeader()
				for resource, state := range reporter.CircuitStates() {
					h.Set(CircuitHeader(resource), state)
				}
				h.Set(HeaderServiceDegraded, strconv.FormatBool(reporter.IsDegraded()))
			}
			return reply, err
		}
	}
}
