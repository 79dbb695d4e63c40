// Package scheduler drives the periodic rating tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Task is one unit of periodic work. Run is expected to guard against
// overlapping invocations itself.
type Task interface {
	Run(ctx context.Context) error
}

// Scheduler invokes a task on a fixed interval.
type Scheduler struct {
	task     Task
	interval time.Duration
	log      *slog.Logger
}

// New creates a scheduler.
func New(task Task, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{task: task, interval: interval, log: log}
}

// Run ticks the task immediately and then on every interval, blocking until
// ctx is cancelled. Task errors are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler running", "interval", s.interval)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.task.Run(ctx); err != nil {
		s.log.Error("tick failed", "error", err)
	}
}
