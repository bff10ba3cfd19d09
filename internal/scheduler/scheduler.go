package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"umspos/backend/internal/metrics"
)

const (
	JobLowStock          = "low_stock"
	JobNotificationPrune = "notification_prune"

	jobTimeout = 2 * time.Minute
)

// Jobs is implemented by the service layer.
type Jobs interface {
	CheckLowStock(ctx context.Context) error
	PruneNotifications(ctx context.Context) (int, error)
}

type Config struct {
	LowStockSpec string
	PruneSpec    string
}

type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(cfg Config, jobs Jobs, m *metrics.Metrics, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = "30 2 * * *"
	}
	logger = logger.Named("scheduler")

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(
				cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger))),
				cron.SkipIfStillRunning(cron.DiscardLogger),
			),
		),
		jobs:    jobs,
		metrics: m,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(cfg.LowStockSpec, func() { s.run(JobLowStock, jobs.CheckLowStock) }); err != nil {
		return nil, fmt.Errorf("schedule %s %q: %w", JobLowStock, cfg.LowStockSpec, err)
	}
	prune := func(ctx context.Context) error {
		removed, err := jobs.PruneNotifications(ctx)
		if err == nil && removed > 0 {
			s.logger.Info("old notifications pruned", zap.Int("removed", removed))
		}
		return err
	}
	if _, err := s.cron.AddFunc(cfg.PruneSpec, func() { s.run(JobNotificationPrune, prune) }); err != nil {
		return nil, fmt.Errorf("schedule %s %q: %w", JobNotificationPrune, cfg.PruneSpec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs or until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.RecordJob(name, err)
	}
	if err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}
