package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const schedulerTick = 15 * time.Second

// Scheduler fires periodic full-outbox sweeps on a cron expression.
// Sweeps are the degraded-mode safety net: they deliver records whose
// sync.requested event was dropped or that were enqueued while no replay
// worker was running.
type Scheduler struct {
	worker   *Worker
	logger   *slog.Logger
	cronExpr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a sweep scheduler. The cron expression is
// validated here so a bad config fails at startup, not at first tick.
func NewScheduler(worker *Worker, cronExpr string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, err
	}
	return &Scheduler{worker: worker, logger: logger, cronExpr: cronExpr}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("replay sweep scheduler started", "cron", s.cronExpr)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("replay sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep once at startup: this is the "next app load" retry the
	// enqueue side promises when background activation is unavailable.
	s.worker.ReplayAll(ctx)

	nextRun, err := NextRunTime(s.cronExpr, time.Now())
	if err != nil {
		s.logger.Error("sweep: failed to compute next run", "cron", s.cronExpr, "error", err)
		return
	}

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(nextRun) {
				continue
			}
			s.worker.ReplayAll(ctx)
			next, err := NextRunTime(s.cronExpr, now)
			if err != nil {
				s.logger.Error("sweep: failed to compute next run", "cron", s.cronExpr, "error", err)
				return
			}
			nextRun = next
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
