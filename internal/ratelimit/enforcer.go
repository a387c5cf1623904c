// Package ratelimit enforces per-action quotas over a sliding window.
// Windows are keyed by action name only, so a quota is shared by every
// caller in the process.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// ExceededError is returned when an action has used its quota.
type ExceededError struct {
	Action     string
	Current    int
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration // time until the oldest counted call expires
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window, retry in %s",
		e.Current, e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

// Limiter tracks call timestamps per action.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

// New creates a Limiter with the default one-hour window.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		window:  DefaultWindow,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord prunes the action's window, rejects without recording if
// the remaining count has reached limit, and otherwise records this call.
// A limit of zero or less means unlimited and records nothing.
func (l *Limiter) CheckAndRecord(action string, limit int) error {
	if limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps, err := l.check(action, limit, now)
	if err != nil {
		return err
	}
	l.windows[action] = append(stamps, now)
	return nil
}

// Release gives back the newest recorded call for action, undoing a
// CheckAndRecord whose call never happened.
func (l *Limiter) Release(action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamps := l.windows[action]
	switch len(stamps) {
	case 0:
	case 1:
		delete(l.windows, action)
	default:
		l.windows[action] = stamps[:len(stamps)-1]
	}
}

// Peek reports whether CheckAndRecord would currently succeed, without
// recording anything.
func (l *Limiter) Peek(action string, limit int) error {
	if limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.check(action, limit, l.now())
	return err
}

func (l *Limiter) check(action string, limit int, now time.Time) ([]time.Time, error) {
	stamps := prune(l.windows[action], now, l.window)
	if stamps == nil {
		delete(l.windows, action)
	} else {
		l.windows[action] = stamps
	}
	if len(stamps) >= limit {
		return stamps, &ExceededError{
			Action:     action,
			Current:    len(stamps),
			Limit:      limit,
			Window:     l.window,
			RetryAfter: retryAfter(stamps, now, l.window),
		}
	}
	return stamps, nil
}

// Count returns the number of calls currently inside the action's window.
func (l *Limiter) Count(action string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamps := prune(l.windows[action], l.now(), l.window)
	l.windows[action] = stamps
	return len(stamps)
}
