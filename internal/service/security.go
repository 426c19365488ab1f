package service

import (
	"context"
	"net/netip"

	"Bulwark/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// IPStatus is the block state of one address.
type IPStatus struct {
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
}

// SecurityService serves the read-only security endpoints.
type SecurityService struct {
	monitor *biz.SecurityMonitor
	logger  *log.Helper
}

// NewSecurityService creates a new SecurityService instance.
func NewSecurityService(monitor *biz.SecurityMonitor, logger log.Logger) *SecurityService {
	return &SecurityService{
		monitor: monitor,
		logger:  log.NewHelper(log.With(logger, "module", "service/security")),
	}
}

// Dashboard returns the security overview.
func (s *SecurityService) Dashboard(ctx context.Context) (*biz.SecurityDashboard, error) {
	d, err := s.monitor.GetSecurityDashboard(ctx)
	if err != nil {
		s.logger.WithContext(ctx).Errorw("msg", "failed to build security dashboard", "error", err)
		return nil, biz.ErrServiceDegraded.WithCause(err)
	}
	return d, nil
}

// IPStatus reports whether ip is currently blocked.
func (s *SecurityService) IPStatus(ctx context.Context, ip string) (*IPStatus, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, errors.BadRequest("INVALID_IP", "invalid ip address")
	}
	ip = addr.String()
	return &IPStatus{IP: ip, Blocked: s.monitor.IsIPBlocked(ctx, ip)}, nil
}
