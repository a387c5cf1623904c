package ratelimit

import "time"

// prune drops timestamps that have left the window. Timestamps are
// appended in order, so the survivors are always a suffix.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return stamps
	}
	if cut == len(stamps) {
		return nil
	}
	kept := make([]time.Time, len(stamps)-cut)
	copy(kept, stamps[cut:])
	return kept
}

// retryAfter is how long until the oldest counted call leaves the window.
func retryAfter(stamps []time.Time, now time.Time, window time.Duration) time.Duration {
	if len(stamps) == 0 {
		return 0
	}
	d := stamps[0].Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
