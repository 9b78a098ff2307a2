// Package debounce runs an action once after triggers stop arriving
// for a minimum quiet period. Any number of Trigger() calls inside the
// window coalesce into a single execution, scheduled at the time of the
// last trigger plus the wait.
package debounce

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kjk/coalesce/sink"
)

// Scheduler debounces calls to a single action.
// Trigger never blocks on the action; the action runs on a timer goroutine.
type Scheduler struct {
	name   string
	wait   time.Duration
	action func()
	report sink.Reporter

	mu    sync.Mutex
	timer *time.Timer
	// gen invalidates timers that already fired but didn't lock mu yet.
	// Bumped on every (re)arm and on Close.
	gen       uint64
	executing bool
	waiting   bool
	closed    bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithReporter routes errors recovered from the action to r
// instead of sink.Default.
func WithReporter(r sink.Reporter) Option {
	return func(s *Scheduler) {
		s.report = r
	}
}

// New creates a Scheduler that runs action once triggers have been quiet
// for wait. name tags error reports and must not be blank.
func New(name string, wait time.Duration, action func(), opts ...Option) (*Scheduler, error) {
	if wait <= 0 {
		return nil, fmt.Errorf("debounce: wait must be > 0, got %v", wait)
	}
	if action == nil {
		return nil, fmt.Errorf("debounce: must provide action")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("debounce: must provide name")
	}
	s := &Scheduler{
		name:   name,
		wait:   wait,
		action: action,
		report: sink.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Trigger requests an execution. It returns immediately and is safe to
// call from any number of goroutines. After Close it's a no-op.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.executing {
		// the execution in flight will reschedule on completion
		s.waiting = true
		return
	}
	s.armLocked()
}

// armLocked (re)arms the timer for now+wait, replacing any armed deadline.
func (s *Scheduler) armLocked() {
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.wait, func() {
		s.run(gen)
	})
}

func (s *Scheduler) run(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		// closed or re-armed while this fire was waiting for the lock
		s.mu.Unlock()
		return
	}
	s.executing = true
	s.timer = nil
	s.mu.Unlock()

	s.invoke()

	s.mu.Lock()
	s.executing = false
	if s.waiting && !s.closed {
		// a trigger arrived mid-execution, one more execution is owed
		s.waiting = false
		s.armLocked()
	}
	s.mu.Unlock()
}

// invoke runs the action outside all locks. A panic is reported once,
// tagged with the scheduler name, and never reaches the timer goroutine.
func (s *Scheduler) invoke() {
	defer func() {
		if v := recover(); v != nil {
			sink.Dispatch(s.report, s.name, sink.Recovered(v))
		}
	}()
	s.action()
}

// Close stops the timer and prevents any further execution. It's
// idempotent and doesn't wait for an in-flight execution to finish.
// Calling Close twice is a no-op.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.gen++
	s.waiting = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}
