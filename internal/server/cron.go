package server

import (
	"context"
	"fmt"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/service"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/robfig/cron/v3"
)

var _ transport.Server = (*CronServer)(nil)

// Job is one periodic maintenance task.
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// CronServer runs the maintenance jobs as a kratos server so they start and
// stop with the app.
type CronServer struct {
	cron *cron.Cron
	jobs []Job
	log  *pkglog.LogHelper
}

// NewCronServer schedules health checks and sweeps from configuration.
func NewCronServer(bc *conf.Bootstrap, maintenance *service.MaintenanceService, logger log.Logger) (*CronServer, error) {
	healthEvery := 30 * time.Second
	if bc.Data != nil && bc.Data.Database != nil && bc.Data.Database.HealthCheckInterval > 0 {
		healthEvery = bc.Data.Database.HealthCheckInterval
	}
	rateEvery := time.Minute
	if bc.RateLimit != nil && bc.RateLimit.SweepInterval > 0 {
		rateEvery = bc.RateLimit.SweepInterval
	}
	sessionEvery := 5 * time.Minute
	if bc.Session != nil && bc.Session.SweepInterval > 0 {
		sessionEvery = bc.Session.SweepInterval
	}
	counterEvery, retentionEvery := time.Minute, time.Hour
	if bc.Security != nil {
		if bc.Security.CounterSweep > 0 {
			counterEvery = bc.Security.CounterSweep
		}
		if bc.Security.RetentionSweep > 0 {
			retentionEvery = bc.Security.RetentionSweep
		}
	}

	return newCronServer([]Job{
		{Name: "store_health_check", Every: healthEvery, Timeout: 10 * time.Second, Run: maintenance.CheckStore},
		{Name: "rate_limit_sweep", Every: rateEvery, Timeout: 30 * time.Second, Run: maintenance.SweepRateLimits},
		{Name: "session_sweep", Every: sessionEvery, Timeout: time.Minute, Run: maintenance.SweepSessions},
		{Name: "detector_sweep", Every: counterEvery, Timeout: 10 * time.Second, Run: maintenance.SweepDetector},
		{Name: "security_retention", Every: retentionEvery, Timeout: 5 * time.Minute, Run: maintenance.SweepRetention},
	}, logger)
}

func newCronServer(jobs []Job, logger log.Logger) (*CronServer, error) {
	helper := pkglog.NewLogHelper(log.With(logger, "module", "server/cron"))
	cl := cronLogger{helper: helper}

	// 秒级表达式，同一任务上一次未结束时跳过本次
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &CronServer{cron: c, jobs: jobs, log: helper}
	for _, j := range jobs {
		j := j
		if j.Every <= 0 {
			return nil, fmt.Errorf("cron job %s: interval must be positive", j.Name)
		}
		if _, err := c.AddFunc("@every "+j.Every.String(), func() { s.runJob(j) }); err != nil {
			return nil, fmt.Errorf("failed to register cron job %s: %w", j.Name, err)
		}
	}
	return s, nil
}

func (s *CronServer) runJob(j Job) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Every
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.log.Warnw("msg", "cron job failed",
			"job", j.Name,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
			"type", "scheduler")
		return
	}
	s.log.Debugw("msg", "cron job completed",
		"job", j.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"type", "scheduler")
}

// Start implements transport.Server.
func (s *CronServer) Start(context.Context) error {
	s.cron.Start()
	for _, j := range s.jobs {
		s.log.Scheduler(fmt.Sprintf("Cron job started: %s every %s", j.Name, j.Every), "job", j.Name)
	}
	return nil
}

// Stop waits for running jobs or until ctx is done.
func (s *CronServer) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Scheduler("Cron jobs stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the log helper to cron.Logger.
type cronLogger struct {
	helper *pkglog.LogHelper
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.helper.Debugw(append([]interface{}{"msg", msg, "type", "scheduler"}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.helper.Errorw(append([]interface{}{"msg", msg, "error", err, "type", "scheduler"}, keysAndValues...)...)
}
