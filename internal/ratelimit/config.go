package ratelimit

import "time"

// DefaultWindow is the rolling window every per-action quota is counted over.
const DefaultWindow = time.Hour

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Tests use it to move through windows
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWindow overrides the rolling window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}
