package server

import (
	"context"

	"Bulwark/internal/biz"
	"Bulwark/internal/conf"
	"Bulwark/internal/server/middleware"
	"Bulwark/internal/service"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/selector"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(
	c *conf.Server,
	health *service.HealthService,
	security *service.SecurityService,
	monitor *biz.SecurityMonitor,
	limiter *biz.RateLimiter,
	sessions *biz.SessionUseCase,
	degradation *biz.GracefulDegradationService,
	logger log.Logger,
) *http.Server {
	logHelper := pkglog.NewLogHelper(log.With(logger, "module", "server/http"))

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),             // Request ID、客户端 IP 注入
			middleware.ResponseMetadata(degradation), // X-Circuit-*、X-Service-Degraded
			selector.Server(
				middleware.IPBlock(monitor),
				middleware.RateLimit(limiter, classify),
			).Match(guarded).Build(),
			selector.Server(
				middleware.Session(sessions, monitor, logHelper),
			).Match(sessionRequired).Build(),
		),
	}
	if c.HTTP != nil {
		if c.HTTP.Network != "" {
			opts = append(opts, http.Network(c.HTTP.Network))
		}
		if c.HTTP.Addr != "" {
			opts = append(opts, http.Address(c.HTTP.Addr))
		}
		if c.HTTP.Timeout > 0 {
			opts = append(opts, http.Timeout(c.HTTP.Timeout))
		}
	}
	srv := http.NewServer(opts...)

	srv.Handle("/metrics", promhttp.Handler())
	registerHealthHTTP(srv, health)
	registerSecurityHTTP(srv, security)

	return srv
}

func registerHealthHTTP(srv *http.Server, health *service.HealthService) {
	r := srv.Route("/")
	r.GET("/healthz", func(ctx http.Context) error {
		http.SetOperation(ctx, OperationHealthz)
		h := ctx.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return health.Health(ctx), nil
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		status := out.(*biz.HealthStatus)
		if !status.Healthy() {
			return ctx.Result(503, status)
		}
		return ctx.Result(200, status)
	})
	r.GET("/readyz", func(ctx http.Context) error {
		http.SetOperation(ctx, OperationReadyz)
		h := ctx.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return health.Ready(ctx), nil
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		ready := out.(*service.ReadyStatus)
		if !ready.Ready {
			return ctx.Result(503, ready)
		}
		return ctx.Result(200, ready)
	})
}

func registerSecurityHTTP(srv *http.Server, security *service.SecurityService) {
	r := srv.Route("/")
	r.GET("/v1/security/dashboard", func(ctx http.Context) error {
		http.SetOperation(ctx, OperationDashboard)
		h := ctx.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return security.Dashboard(ctx)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})
	r.GET("/v1/security/ip/{ip}", func(ctx http.Context) error {
		http.SetOperation(ctx, OperationIPStatus)
		ip := ctx.Vars().Get("ip")
		h := ctx.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return security.IPStatus(ctx, ip)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})
}
