// Package scheduler runs the periodic license maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/keygate/internal/metrics"
)

type licenseJobs interface {
	SweepExpired(ctx context.Context) (int, error)
	RemindExpiring(ctx context.Context, days []int) (int, error)
}

type claimCleaner interface {
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Interval     time.Duration
	ReminderDays []int
	// Retention is how long sent-notification claims are kept. Zero keeps
	// them forever.
	Retention time.Duration
}

// Result summarizes one maintenance pass.
type Result struct {
	Expired  int
	Reminded int
	Pruned   int64
}

// Scheduler periodically expires licenses, sends expiry reminders and
// prunes old notification claims.
type Scheduler struct {
	mu       sync.RWMutex
	licenses licenseJobs
	claims   claimCleaner
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
	hooks    []func()
	cancel   context.CancelFunc
	done     chan struct{}
	now      func() time.Time
}

// New creates a scheduler. claims may be nil.
func New(licenses licenseJobs, claims claimCleaner, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		licenses: licenses,
		claims:   claims,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// OnTick registers fn to run after every pass, for in-memory housekeeping
// such as rate limiter and cache cleanup.
func (s *Scheduler) OnTick(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Start runs a pass immediately and then every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("maintenance pass failed", "error", err)
	}
	if res.Expired > 0 || res.Reminded > 0 || res.Pruned > 0 {
		s.logger.Info("maintenance pass", "expired", res.Expired, "reminded", res.Reminded, "pruned", res.Pruned)
	}

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// RunOnce performs a single pass. Every job runs even if an earlier one
// fails; the errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	n, err := s.licenses.SweepExpired(ctx)
	res.Expired = n
	s.metrics.Expired(n)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep expired: %w", err))
	}

	if len(s.cfg.ReminderDays) > 0 {
		n, err := s.licenses.RemindExpiring(ctx, s.cfg.ReminderDays)
		res.Reminded = n
		if err != nil {
			errs = append(errs, fmt.Errorf("remind expiring: %w", err))
		}
	}

	if s.claims != nil && s.cfg.Retention > 0 {
		n, err := s.claims.Cleanup(ctx, s.now().UTC().Add(-s.cfg.Retention))
		res.Pruned = n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune notification claims: %w", err))
		}
	}

	return res, errors.Join(errs...)
}
