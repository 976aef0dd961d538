package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the Supervisor scans for overdue tasks.
const DefaultSweepInterval = time.Second

// Supervisor marks RUNNING tasks TIMED_OUT once their deadline has passed.
// It never interrupts the operation itself; a late Update after expiry is
// rejected as an invalid transition.
type Supervisor struct {
	repo     Repository
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// onExpire is called after each successful expiry. Used for metrics.
	onExpire func(id string)
}

// SupervisorOption customises a Supervisor.
type SupervisorOption func(*Supervisor)

// WithClock overrides the time source used to judge deadlines.
func WithClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// OnExpire registers a callback run after each task is timed out.
func OnExpire(fn func(id string)) SupervisorOption {
	return func(s *Supervisor) { s.onExpire = fn }
}

// NewSupervisor creates a supervisor sweeping every interval.
func NewSupervisor(repo Repository, interval time.Duration, opts ...SupervisorOption) *Supervisor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Supervisor{
		repo:     repo,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "task-supervisor")
	return s
}

// Run sweeps until ctx is cancelled. Sweep errors are logged and the loop
// continues.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("task supervisor started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task supervisor stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("task sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one scan and returns the ids it timed out.
func (s *Supervisor) Sweep(ctx context.Context) ([]string, error) {
	now := s.now()
	ids, err := s.repo.Overdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue tasks: %w", err)
	}

	var expired []string
	var firstErr error
	for _, id := range ids {
		ok, err := s.repo.Expire(ctx, id, now)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to expire task %s: %w", id, err)
			}
			continue
		}
		if !ok {
			continue
		}
		expired = append(expired, id)
		s.logger.Warn("task timed out", "event_type", "task_timed_out", "task_id", id)
		if s.onExpire != nil {
			s.onExpire(id)
		}
	}
	return expired, firstErr
}
