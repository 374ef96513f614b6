package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const scanLockKey = "slabscan:scan"

// Scheduler runs scan passes on a fixed interval and on manual triggers.
// A tick that arrives while a pass is running is skipped, never queued.
// With a LockManager the same holds across instances.
type Scheduler struct {
	scanner  *Scanner
	locks    domain.LockManager
	lockTTL  time.Duration
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. locks may be nil for a single instance.
func NewScheduler(scanner *Scanner, locks domain.LockManager, interval, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = interval
	}
	return &Scheduler{
		scanner:  scanner,
		locks:    locks,
		lockTTL:  lockTTL,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Running reports whether this instance is running a pass.
func (s *Scheduler) Running() bool {
	return s.scanner.Running()
}

// Trigger requests a pass as soon as possible. It never blocks; requests
// made while one is already pending are coalesced and it returns false.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// OnTick runs one pass unless another is already in progress here or on
// another instance, in which case it returns domain.ErrScanInProgress.
func (s *Scheduler) OnTick(ctx context.Context, trigger string) (domain.ScanRun, error) {
	if s.scanner.Running() {
		return domain.ScanRun{}, domain.ErrScanInProgress
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, scanLockKey, s.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ScanRun{}, domain.ErrScanInProgress
		}
		if err != nil {
			// Redis trouble should not stop scanning on this instance.
			s.logger.WarnContext(ctx, "scan lock unavailable, continuing unlocked",
				slog.String("error", err.Error()),
			)
		} else {
			defer unlock()
		}
	}

	return s.scanner.RunPass(ctx, trigger)
}

// Run executes a pass immediately, then on every interval and trigger until
// ctx is cancelled. Passes run in their own goroutine so ticks that land
// during a pass are observed and skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))

	var wg sync.WaitGroup
	start := func(trigger string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx, trigger)
		}()
	}

	start(TriggerSchedule)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			start(TriggerSchedule)
		case <-s.trigger:
			start(TriggerManual)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, trigger string) {
	_, err := s.OnTick(ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrScanInProgress):
		s.logger.InfoContext(ctx, "scan skipped, previous pass still running",
			slog.String("trigger", trigger),
		)
	case ctx.Err() != nil:
	default:
		s.logger.ErrorContext(ctx, "scan pass failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}
