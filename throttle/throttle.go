// Package throttle rate-limits calls to an action: at most one call per
// minimum interval, measured from the end of one call to the start of
// the next. Invoke() calls arriving inside the window coalesce into a
// single deferred call at the end of the window.
package throttle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kjk/coalesce/sink"
)

// ErrClosed is returned by Invoke() after Close()
var ErrClosed = errors.New("throttle: scheduler closed")

// Scheduler throttles calls to a single action.
//
// Two locks on purpose: callMu only guards entry into the call, mu
// guards the timer state. A long-running call must not block Invoke()
// from deciding whether to coalesce.
type Scheduler struct {
	name     string
	interval time.Duration
	call     func()
	report   sink.Reporter

	callMu  sync.Mutex
	calling bool

	mu    sync.Mutex
	timer *time.Timer
	// gen invalidates timers that already fired but didn't lock mu yet
	gen         uint64
	throttling  bool
	nextAllowed time.Time
	closed      bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithReporter routes errors recovered from the call to r
// instead of sink.Default.
func WithReporter(r sink.Reporter) Option {
	return func(s *Scheduler) {
		s.report = r
	}
}

// New creates a Scheduler that runs call at most once per interval.
// name tags error reports and may be empty.
func New(name string, interval time.Duration, call func(), opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("throttle: interval must be > 0, got %v", interval)
	}
	if call == nil {
		return nil, fmt.Errorf("throttle: must provide call")
	}
	s := &Scheduler{
		name:     name,
		interval: interval,
		call:     call,
		report:   sink.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Invoke requests a call. If the interval since the last completed call
// has elapsed the call starts immediately (on the caller's goroutine);
// otherwise one deferred call is scheduled for the end of the window and
// further Invokes inside the window are coalesced into it. Invoke never
// blocks on the call's runtime beyond running it inline on the immediate
// path, and never returns an error from the call itself.
func (s *Scheduler) Invoke() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if wait := time.Until(s.nextAllowed); wait > 0 {
		if !s.throttling {
			s.throttling = true
			s.armLocked(wait)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.onCall()
	return nil
}

// armLocked (re)arms the retry timer, replacing any armed deadline.
func (s *Scheduler) armLocked(d time.Duration) {
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() {
		s.onTick(gen)
	})
}

func (s *Scheduler) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) onTick(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.onCall()
}

// onCall is reached from both the immediate path and the timer path.
func (s *Scheduler) onCall() {
	s.callMu.Lock()
	if s.calling {
		s.callMu.Unlock()
		// another call is in flight; owe one catch-up call instead of
		// dropping this one
		s.mu.Lock()
		if !s.closed {
			s.throttling = true
			s.armLocked(s.interval)
		}
		s.mu.Unlock()
		return
	}
	s.calling = true
	s.callMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.setCalling(false)
		return
	}
	s.throttling = false
	s.stopTimerLocked()
	s.mu.Unlock()

	s.invoke()

	s.setCalling(false)

	s.mu.Lock()
	if !s.closed {
		s.nextAllowed = time.Now().Add(s.interval)
		if s.throttling {
			// an Invoke arrived during the call
			s.armLocked(s.interval)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) setCalling(v bool) {
	s.callMu.Lock()
	s.calling = v
	s.callMu.Unlock()
}

// invoke runs the call outside all locks. A panic is reported once,
// tagged with the scheduler name, and never reaches the caller of
// Invoke or the timer goroutine.
func (s *Scheduler) invoke() {
	defer func() {
		if v := recover(); v != nil {
			sink.Dispatch(s.report, s.name, sink.Recovered(v))
		}
	}()
	s.call()
}

// Close stops the timer and prevents any further call. It's idempotent
// and doesn't wait for an in-flight call to finish. Invoke after Close
// returns ErrClosed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.throttling = false
	s.stopTimerLocked()
	return nil
}
