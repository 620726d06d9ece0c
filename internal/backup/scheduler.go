package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/robfig/cron/v3"
)

type runner interface {
	Run(ctx context.Context, trigger model.RunTrigger) (*Result, error)
}

// Scheduler triggers runs on a cron schedule evaluated in UTC.
type Scheduler struct {
	cron   *cron.Cron
	runner runner
	logger *slog.Logger
	ctx    context.Context
}

// NewScheduler parses spec (standard five-field cron, or descriptors such as
// "@daily") and registers the run job.
func NewScheduler(r runner, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		runner: r,
		logger: logger.With("component", "scheduler"),
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse backup schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	_, err := s.runner.Run(s.ctx, model.TriggerScheduled)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("scheduled backup skipped, run in progress")
	case err != nil:
		s.logger.Error("scheduled backup failed", "error", err)
	}
}

// Start begins the schedule. Runs use ctx, so cancelling it aborts an active run.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("backup schedule started", "next", e.Next)
	}
}

// Stop halts the schedule and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
