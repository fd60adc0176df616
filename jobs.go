package welfarekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobsConfig holds the cron specs (with seconds) of the periodic jobs.
// An empty spec disables the job.
type JobsConfig struct {
	ExpirySpec   string
	SLASweepSpec string
	Timeout      time.Duration
}

// DefaultJobsConfig expires assignments every five minutes and sweeps SLAs every fifteen.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		ExpirySpec:   "0 */5 * * * *",
		SLASweepSpec: "0 */15 * * * *",
		Timeout:      2 * time.Minute,
	}
}

// Scheduler runs the service's periodic maintenance jobs.
type Scheduler struct {
	service *Service
	config  JobsConfig
	logger  *zap.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler registers the configured jobs. Invalid cron specs are a configuration error.
func NewScheduler(service *Service, cfg JobsConfig, logger *zap.Logger) (*Scheduler, error) {
	if service == nil {
		return nil, NewError(ErrConfiguration, "scheduler requires a service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultJobsConfig().Timeout
	}

	s := &Scheduler{
		service: service,
		config:  cfg,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		running: make(map[string]bool),
	}

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"expire_assignments", cfg.ExpirySpec, s.expireAssignments},
		{"sla_sweep", cfg.SLASweepSpec, s.sweepSLA},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		name, fn := job.name, job.fn
		if _, err := s.cron.AddFunc(job.spec, func() { s.run(name, fn) }); err != nil {
			return nil, NewError(ErrConfiguration, fmt.Sprintf("invalid cron spec for %s: %v", name, err))
		}
	}

	return s, nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped before jobs finished")
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job by name outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	switch name {
	case "expire_assignments":
		return s.run(name, s.expireAssignments)
	case "sla_sweep":
		return s.run(name, s.sweepSLA)
	}
	return NewError(ErrInvalidInput, "unknown job "+name)
}

// run skips a job whose previous execution is still in progress.
func (s *Scheduler) run(name string, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Debug("job still running, skipping", zap.String("job", name))
		return nil
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return err
	}
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) expireAssignments(ctx context.Context) error {
	n, err := s.service.ExpireStaleAssignments(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired role assignments", zap.Int("count", n))
	}
	return nil
}

func (s *Scheduler) sweepSLA(ctx context.Context) error {
	report, err := s.service.SweepSLA(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("SLA sweep complete",
		zap.Int("on_time", report.OnTime),
		zap.Int("delayed", report.Delayed),
		zap.Int("overdue", report.Overdue),
		zap.Int("updated", report.Updated))
	return nil
}
