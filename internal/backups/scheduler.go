package backups

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingManager = errors.New("backup manager is required")

// SchedulerConfig configures Scheduler.
type SchedulerConfig struct {
	Manager   *Manager
	Interval  time.Duration
	Retention time.Duration
	Logger    *zap.Logger
}

// Scheduler takes a scheduled backup and purges expired ones on a fixed
// interval. Runs never overlap within one process.
type Scheduler struct {
	manager   *Manager
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	running   sync.Mutex
}

// RunReport summarizes one scheduled run.
type RunReport struct {
	Skipped bool
	Created CreateResult
	Purged  PurgeResult
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Manager == nil {
		return nil, errMissingManager
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{manager: cfg.Manager, interval: cfg.Interval, retention: retention, logger: logger}, nil
}

// RunOnce performs a scheduled backup followed by a purge. It returns a
// skipped report when another run is still in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (RunReport, error) {
	if !s.running.TryLock() {
		s.logger.Warn("scheduled backup skipped: previous run still active")
		return RunReport{Skipped: true}, nil
	}
	defer s.running.Unlock()

	report := RunReport{}
	created, createErr := s.manager.Create(ctx, ScheduledCreator)
	report.Created = created
	if createErr != nil {
		s.logger.Error("scheduled backup failed", zap.Error(createErr))
	}

	purged, purgeErr := s.manager.PurgeExpired(ctx, s.retention)
	report.Purged = purged
	if purgeErr != nil {
		s.logger.Error("backup purge failed", zap.Error(purgeErr))
	}
	return report, errors.Join(createErr, purgeErr)
}

// Run calls RunOnce every interval until ctx is cancelled. A non-positive
// interval disables the schedule.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("backup schedule disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup schedule started", zap.Duration("interval", s.interval), zap.Duration("retention", s.retention))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup schedule stopped")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
