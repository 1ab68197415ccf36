// Package scheduler fires recurring jobs, one run at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// ErrPassInProgress is returned by Trigger while a previous run is still going.
var ErrPassInProgress = errors.New("crawl pass already in progress")

// Job is the unit of work a Scheduler runs.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a Schedule. The next timer is armed only after the
// previous run returns, and a failing or panicking run never stops the loop.
type Scheduler struct {
	name     string
	schedule Schedule
	job      Job
	clock    ranking.Clock
	notifier ranking.Notifier
	logger   *zap.Logger

	running atomic.Bool

	mu   sync.RWMutex
	next time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithNotifier reports failed and panicking runs.
func WithNotifier(n ranking.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a Scheduler.
func New(name string, schedule Schedule, job Job, clock ranking.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:     name,
		schedule: schedule,
		job:      job,
		clock:    clock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("schedule", name))
	return s
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Next returns the armed fire time. Before the first arm, and while a run
// holds the loop past the armed time, it is the fire time that would be armed
// now.
func (s *Scheduler) Next() time.Time {
	s.mu.RLock()
	next := s.next
	s.mu.RUnlock()
	now := s.clock.Now()
	if !next.After(now) {
		return s.schedule.Next(now)
	}
	return next
}

// Trigger runs the job immediately unless a run is already in progress.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrPassInProgress
	}
	defer s.running.Store(false)
	return s.runSafely(ctx)
}

// Run blocks, firing the job on schedule until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(s.clock.Now())
		s.mu.Lock()
		s.next = next
		s.mu.Unlock()

		wait := next.Sub(s.clock.Now())
		s.logger.Info("next run scheduled", zap.Time("at", next), zap.Duration("in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		err := s.Trigger(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrPassInProgress):
			s.logger.Warn("skipping run; previous run still in progress")
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Error("scheduled run failed", zap.Error(err))
			s.notify(ctx, err)
		}
	}
}

func (s *Scheduler) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s run panicked: %v", s.name, r)
			s.logger.Error("run panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	start := s.clock.Now()
	err = s.job(ctx)
	s.logger.Debug("run finished", zap.Duration("elapsed", s.clock.Now().Sub(start)), zap.Error(err))
	return err
}

func (s *Scheduler) notify(ctx context.Context, err error) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyFailure(context.WithoutCancel(ctx), s.name+" run failed", err)
}
