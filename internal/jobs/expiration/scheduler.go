package expiration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler triggers a Runner once a day at a wall-clock time in a fixed
// location. It knows nothing about what the runner does.
type Scheduler struct {
	runner     Runner
	hour       int
	minute     int
	location   *time.Location
	runTimeout time.Duration
	now        func() time.Time
	after      func(d time.Duration) <-chan time.Time
	logger     *zap.Logger
}

func NewScheduler(runner Runner, hour, minute int, location *time.Location, runTimeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("scheduler runner is nil")
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid schedule time %02d:%02d", hour, minute)
	}
	if location == nil {
		location = time.UTC
	}
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		runner:     runner,
		hour:       hour,
		minute:     minute,
		location:   location,
		runTimeout: runTimeout,
		now:        time.Now,
		after:      time.After,
		logger:     logger,
	}, nil
}

// Next returns the first scheduled instant strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	local := now.In(s.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.location)
	}
	return next
}

// Run blocks until ctx is done, invoking the runner at every scheduled time.
// A failed run is logged; the next day's run retries.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.Next(s.now())
		s.logger.Info("next plan expiration run scheduled", zap.Time("at", next))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(s.now())):
		}

		s.RunOnce(ctx)
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	if _, err := s.runner.Run(runCtx); err != nil {
		s.logger.Error("plan expiration run failed", zap.Error(err))
	}
}
