package server

import (
	"Bulwark/internal/biz"
	"Bulwark/internal/conf"
	"Bulwark/internal/server/middleware"
	"Bulwark/internal/service"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer new a gRPC server serving grpc.health.v1.
func NewGRPCServer(c *conf.Server, health *service.HealthService, degradation *biz.GracefulDegradationService, logger log.Logger) *grpc.Server {
	logHelper := pkglog.NewLogHelper(log.With(logger, "module", "server/grpc"))

	var opts = []grpc.ServerOption{
		// health 由 HealthService 提供，不注册 kratos 内置的
		grpc.CustomHealth(),
		grpc.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
			middleware.ResponseMetadata(degradation),
		),
	}
	if c.GRPC != nil {
		if c.GRPC.Network != "" {
			opts = append(opts, grpc.Network(c.GRPC.Network))
		}
		if c.GRPC.Addr != "" {
			opts = append(opts, grpc.Address(c.GRPC.Addr))
		}
		if c.GRPC.Timeout > 0 {
			opts = append(opts, grpc.Timeout(c.GRPC.Timeout))
		}
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health)
	return srv
}
