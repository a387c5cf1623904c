// Package killswitch implements the three-state gate every execution
// consults: running, paused or killed.
//
//	running <-> paused       any caller
//	running/paused -> killed one-way
//	killed -> running        Reset only
package killswitch

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the state plus when it was entered.
type Status struct {
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

// Option configures a Switch.
type Option func(*Switch)

// WithStateFile mirrors every transition to path and loads the initial
// state from it.
func WithStateFile(path string) Option {
	return func(s *Switch) { s.path = path }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Switch) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Switch) { s.now = now }
}

// WithObserver registers a callback run after every state change.
func WithObserver(fn func(State)) Option {
	return func(s *Switch) { s.observers = append(s.observers, fn) }
}

// Switch is safe for concurrent use. State is a lock-free atomic load so
// every caller sees the newest value; transitions are serialized.
type Switch struct {
	state     atomic.Int32
	mu        sync.Mutex
	since     time.Time
	path      string
	logger    *zap.Logger
	now       func() time.Time
	observers []func(State)
}

// New creates a Switch in the Running state, or in the state recorded in
// the state file when one is configured. An unreadable state file starts
// the switch Paused.
func New(opts ...Option) *Switch {
	s := &Switch{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("mod", "killswitch"))
	s.since = s.now()

	if s.path != "" {
		st, since, err := ReadStateFile(s.path)
		if err != nil {
			s.logger.Error("state file unreadable, starting paused", zap.Error(err))
		}
		s.state.Store(int32(st))
		if !since.IsZero() {
			s.since = since
		}
	}
	return s
}

// State returns the current state.
func (s *Switch) State() State {
	return State(s.state.Load())
}

// Status returns the current state and when it was entered.
func (s *Switch) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.State().String(), Since: s.since}
}

// Pause moves Running to Paused. It has no effect on Killed.
func (s *Switch) Pause() State {
	return s.transition(func(cur State) State {
		if cur == Running {
			return Paused
		}
		return cur
	})
}

// Resume moves Paused to Running. It has no effect on Killed.
func (s *Switch) Resume() State {
	return s.transition(func(cur State) State {
		if cur == Paused {
			return Running
		}
		return cur
	})
}

// Kill moves any state to Killed.
func (s *Switch) Kill() State {
	return s.transition(func(State) State { return Killed })
}

// Reset moves Killed to Running. It is meant for out-of-band operator use
// and has no effect on other states.
func (s *Switch) Reset() State {
	return s.transition(func(cur State) State {
		if cur == Killed {
			return Running
		}
		return cur
	})
}

func (s *Switch) transition(next func(State) State) State {
	s.mu.Lock()
	cur := s.State()
	to := next(cur)
	if to == cur {
		s.mu.Unlock()
		return cur
	}
	s.setLocked(cur, to, s.now())
	if s.path != "" {
		if err := WriteStateFile(s.path, to, s.since); err != nil {
			s.logger.Error("persist state", zap.Error(err))
		}
	}
	s.mu.Unlock()
	s.notify(to)
	return to
}

func (s *Switch) setLocked(from, to State, at time.Time) {
	s.state.Store(int32(to))
	s.since = at
	s.logger.Warn("state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func (s *Switch) notify(st State) {
	for _, fn := range s.observers {
		fn(st)
	}
}
