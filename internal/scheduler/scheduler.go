// Package scheduler runs the retry sweep on a cron schedule. A lock keeps
// ticks on different worker replicas from overlapping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/lock"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// DefaultSchedule sweeps every thirty seconds.
const DefaultSchedule = "@every 30s"

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", expr, err)
	}
	return s, nil
}

// Sweeper is satisfied by *delivery.Service and *delivery.Sweeper.
type Sweeper interface {
	Sweep(ctx context.Context) (delivery.SweepResult, error)
}

// Config controls a Scheduler.
type Config struct {
	Schedule string
	LockKey  string
	// Timeout bounds one sweep; it should stay below the lock TTL.
	Timeout time.Duration
}

// Scheduler fires Sweep on a cron schedule.
type Scheduler struct {
	cron    *cronlib.Cron
	sweeper Sweeper
	locker  lock.Locker
	cfg     Config
	logger  *logging.Logger
}

// New validates cfg and registers the sweep job. A nil locker runs every
// tick without coordination.
func New(sweeper Sweeper, locker lock.Locker, cfg Config, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "hookrelay:sweeper"
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}

	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() {
		_, _, _ = s.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("scheduler: add sweep job: %w", err)
	}
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Plain().WithField("schedule", s.cfg.Schedule).Info("sweep scheduler started")
}

// Stop stops the schedule and waits for a running sweep, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Plain().Info("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one locked sweep. ran is false when another worker held
// the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (ran bool, res delivery.SweepResult, err error) {
	handle, ok, err := s.locker.TryLock(ctx, s.cfg.LockKey)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("sweep lock failed")
		return false, res, err
	}
	if !ok {
		metrics.RecordSweepSkipped()
		s.logger.WithContext(ctx).Debug("sweep skipped, lock held by another worker")
		return false, res, nil
	}
	defer func() {
		if uerr := handle.Unlock(context.Background()); uerr != nil && !errors.Is(uerr, lock.ErrNotHeld) {
			s.logger.WithContext(ctx).WithError(uerr).Warn("sweep lock release failed")
		}
	}()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	res, err = s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("sweep failed")
	}
	return true, res, err
}

// cronLogger routes robfig/cron messages into the service logger.
type cronLogger struct{ l *logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Zap().Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Zap().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
