// Package testutil provides testing utilities for queue-source.
package testutil

import "sync"

// StepScheduler queues scheduled units of work until a test runs them, which
// makes every scheduling tick of a task observable.
type StepScheduler struct {
	mu      sync.Mutex
	pending []func()
	ran     int
}

// Schedule implements feeder.Scheduler.
func (s *StepScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

// Pending returns the number of units waiting to run.
func (s *StepScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Ran returns the number of units run so far.
func (s *StepScheduler) Ran() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ran
}

// Step runs the oldest pending unit. It returns false if none was pending.
func (s *StepScheduler) Step() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	fn := s.pending[0]
	s.pending = s.pending[1:]
	s.ran++
	s.mu.Unlock()

	fn()
	return true
}

// RunAll runs units until none is pending or max units ran, and returns the
// number of units run.
func (s *StepScheduler) RunAll(max int) int {
	n := 0
	for n < max && s.Step() {
		n++
	}
	return n
}
