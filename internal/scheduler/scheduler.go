// Package scheduler owns every background task of the process: recurring
// sweeps registered on cron schedules and one-off pollers spawned at
// runtime. All of them share one cancellation context so Stop is
// deterministic.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron"
)

var ErrStopped = errors.New("scheduler stopped")

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Every runs fn on the cron spec. A run that is still going when the next
// one fires causes that tick to be skipped.
func (s *Scheduler) Every(name, spec string, fn func(ctx context.Context)) error {
	schedule, err := cron.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	var running atomic.Bool
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if !running.CompareAndSwap(false, true) {
			s.logger.Warn("previous run still in progress, skipping", "task", name)
			return
		}
		defer running.Store(false)

		if err := s.run(name, fn); err != nil {
			s.logger.Debug("tick after stop ignored", "task", name)
		}
	}))
	return nil
}

// Spawn runs fn on its own goroutine under the scheduler's context. It
// reports false once the scheduler is stopping.
func (s *Scheduler) Spawn(name string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.guard(name, fn)
	}()
	return true
}

// run is Spawn for cron ticks, which already own a goroutine.
func (s *Scheduler) run(name string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.guard(name, fn)
	return nil
}

func (s *Scheduler) guard(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", name, "panic", r)
		}
	}()
	fn(s.ctx)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron ticks, cancels every running task and waits for them
// to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled tasks: %w", ctx.Err())
	}
}
