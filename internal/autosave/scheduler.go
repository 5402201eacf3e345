// Package autosave turns bursts of editor changes into debounced, reconciled commits.
package autosave

import (
	"errors"
	"sync"
	"time"
)

// DefaultDelay is the quiescence window applied when none is configured.
const DefaultDelay = 1000 * time.Millisecond

var errMissingSaveFunc = errors.New("autosave: save callback is required")

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules fire to run once after delay.
type TimerFunc func(delay time.Duration, fire func()) Timer

// AfterFunc is the wall-clock TimerFunc.
func AfterFunc(delay time.Duration, fire func()) Timer {
	return time.AfterFunc(delay, fire)
}

// State is the scheduler's position in the Idle/Pending cycle.
type State int

const (
	StateIdle State = iota
	StatePending
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	default:
		return "unknown"
	}
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Delay time.Duration
	Timer TimerFunc
	// Save runs on the timer's goroutine once the window elapses without further changes.
	Save func()
}

// Scheduler debounces change notifications into at most one Save per quiescence window.
// At most one timer is outstanding; a timer superseded by a later change never fires Save,
// even when it was already running when the change arrived.
type Scheduler struct {
	mu         sync.Mutex
	delay      time.Duration
	timerFunc  TimerFunc
	save       func()
	state      State
	timer      Timer
	generation uint64
	closed     bool
}

// NewScheduler constructs an idle scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Save == nil {
		return nil, errMissingSaveFunc
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	timerFunc := cfg.Timer
	if timerFunc == nil {
		timerFunc = AfterFunc
	}
	return &Scheduler{
		delay:     delay,
		timerFunc: timerFunc,
		save:      cfg.Save,
		state:     StateIdle,
	}, nil
}

// OnEditorChange restarts the quiescence window. It never blocks on a save.
func (s *Scheduler) OnEditorChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	generation := s.generation
	s.state = StatePending
	s.timer = s.timerFunc(s.delay, func() {
		s.fire(generation)
	})
}

func (s *Scheduler) fire(generation uint64) {
	s.mu.Lock()
	if s.closed || generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.timer = nil
	s.mu.Unlock()

	s.save()
}

// Close cancels any pending save. Changes after Close are ignored; a save already running is not interrupted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
	s.state = StateIdle
	s.closed = true
}

// State reports whether a save is pending.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delay returns the configured quiescence window.
func (s *Scheduler) Delay() time.Duration {
	return s.delay
}
