// Package scheduler runs named, cancellable timed jobs. At most one run per
// job name is ever pending: scheduling a name again replaces the earlier run.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

type job struct {
	timer *clock.Timer
	gen   uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// New creates a scheduler driven by clk.
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Clock returns the clock jobs are timed against.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Schedule runs fn after delay under the given name, replacing any pending
// run with the same name.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if prev, ok := s.jobs[name]; ok {
		prev.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	s.gen++
	j := &job{gen: s.gen}
	j.timer = s.clock.AfterFunc(delay, func() { s.fire(name, j.gen, fn) })
	s.jobs[name] = j
	s.logger.Debug("job scheduled", zap.String("job", name), zap.Duration("delay", delay))
	return nil
}

func (s *Scheduler) fire(name string, gen uint64, fn func()) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok || j.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, name)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// Cancel removes a pending run. It reports whether one was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	j.timer.Stop()
	delete(s.jobs, name)
	return true
}

// Pending reports whether a run with the given name is waiting.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Stop cancels every pending job, refuses new ones and waits for jobs
// that are already running. Stop must not be called from inside a job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	s.running.Wait()
}
