package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a job on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
}

// NewScheduler creates a scheduler whose jobs receive baseCtx. Specs use the
// six-field form with seconds.
func NewScheduler(baseCtx context.Context, logger *slog.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under spec.
func (s *Scheduler) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		if s.baseCtx.Err() != nil {
			return
		}
		job(s.baseCtx)
	})
	if err != nil {
		return 0, fmt.Errorf("add cron job %q: %w", spec, err)
	}
	return id, nil
}

// AddSweep schedules sweeper passes.
func (s *Scheduler) AddSweep(spec string, sweeper *Sweeper) (cron.EntryID, error) {
	return s.Add(spec, func(ctx context.Context) {
		if _, err := sweeper.RunOnce(ctx); err != nil {
			s.logger.Warn("scheduled sweep failed", "error", err)
		}
	})
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
