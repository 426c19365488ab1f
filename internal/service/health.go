package service

import (
	"context"
	"time"

	"Bulwark/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC health service name answered besides "".
const ServiceName = "bulwark"

// ReadyStatus is the readiness report.
type ReadyStatus struct {
	Ready     bool      `json:"ready"`
	Store     bool      `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthService exposes the composite health over HTTP and grpc.health.v1.
type HealthService struct {
	healthpb.UnimplementedHealthServer

	degradation *biz.GracefulDegradationService
	store       biz.StoreHealth
	logger      *log.Helper
}

// NewHealthService creates a new HealthService instance.
func NewHealthService(degradation *biz.GracefulDegradationService, store biz.StoreHealth, logger log.Logger) *HealthService {
	return &HealthService{
		degradation: degradation,
		store:       store,
		logger:      log.NewHelper(log.With(logger, "module", "service/health")),
	}
}

// Health returns the composite health report.
func (s *HealthService) Health(ctx context.Context) *biz.HealthStatus {
	h := s.degradation.GetHealthStatus(ctx)
	if !h.Healthy() {
		s.logger.WithContext(ctx).Warnw("msg", "health check reports degraded", "reasons", h.Reasons)
	}
	return h
}

// Ready reports whether the instance can take traffic. Only a disconnected
// store makes it unready; open breakers still serve fallbacks.
func (s *HealthService) Ready(ctx context.Context) *ReadyStatus {
	connected := s.store == nil || s.store.Connected()
	return &ReadyStatus{Ready: connected, Store: connected, Timestamp: time.Now()}
}

// Check implements grpc.health.v1.Health.
func (s *HealthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", ServiceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}

	if s.degradation.IsDegraded() {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
