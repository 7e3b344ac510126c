// Package scheduler invokes reconciliation on a cron schedule and reports
// consecutive scheduled failures out of band.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rewired-gh/polycal/internal/logger"
	"github.com/rewired-gh/polycal/internal/reconcile"
)

// Runner runs one reconciliation cycle and always returns an outcome.
type Runner interface {
	RunSafe(ctx context.Context) reconcile.Outcome
}

// Notifier receives the first failure of a streak and the recovery after it.
type Notifier interface {
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// Scheduler wraps a seconds-resolution cron. Overlapping ticks are not suppressed.
type Scheduler struct {
	cron     *cron.Cron
	baseCtx  context.Context
	runner   Runner
	notifier Notifier
	timeout  time.Duration

	mu       sync.Mutex
	failures int
	last     reconcile.Outcome
	runs     int
}

func New(baseCtx context.Context, runner Runner, timeout time.Duration) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{}))),
		baseCtx: baseCtx,
		runner:  runner,
		timeout: timeout,
	}
}

// SetNotifier sets the failure notifier. A nil notifier only logs.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

// Add registers the reconciliation job on spec.
func (s *Scheduler) Add(spec string) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, s.Tick)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return id, nil
}

// Tick runs one scheduled cycle.
func (s *Scheduler) Tick() {
	ctx := s.baseCtx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	logger.Debug("Starting scheduled reconciliation")
	s.record(s.runner.RunSafe(ctx))
}

func (s *Scheduler) record(out reconcile.Outcome) {
	s.mu.Lock()
	s.last = out
	s.runs++
	var notifyErr error
	recovered := 0
	if !out.Success {
		s.failures++
		logger.Error("Scheduled reconciliation failed: %s", out.Error)
		if s.failures == 1 {
			notifyErr = errors.New(out.Error)
		}
	} else {
		logger.Info("Scheduled reconciliation: %d updated, %d errors, %d shocks", out.Updated, out.Errors, out.Shocks)
		recovered = s.failures
		s.failures = 0
	}
	s.mu.Unlock()

	if s.notifier == nil {
		return
	}
	if notifyErr != nil {
		if err := s.notifier.SendError(notifyErr); err != nil {
			logger.Warn("Failed to send error notification: %v", err)
		}
	}
	if recovered > 0 {
		if err := s.notifier.SendRecovery(recovered); err != nil {
			logger.Warn("Failed to send recovery notification: %v", err)
		}
	}
}

// ConsecutiveFailures returns the length of the current failure streak.
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Status summarizes the last scheduled run.
func (s *Scheduler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == 0 {
		return "No scheduled run yet"
	}
	if !s.last.Success {
		return fmt.Sprintf("Last run failed at %s (%d in a row): %s",
			s.last.Timestamp.Format(time.RFC3339), s.failures, s.last.Error)
	}
	return fmt.Sprintf("Last run %s: %d updated, %d errors, %d shocks",
		s.last.Timestamp.Format(time.RFC3339), s.last.Updated, s.last.Errors, s.last.Shocks)
}

func (s *Scheduler) Start() {
	logger.Info("Scheduler started")
	s.cron.Start()
}

// Stop stops the cron and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("Scheduler stopped")
}

// cronLogger adapts cron's key-value logger to the service logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
