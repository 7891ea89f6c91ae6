// Package backoff computes the exponential delays shared by the two retry
// tiers (transport request retry, reconnect resume rounds).
package backoff

import "time"

// Delay returns the wait before the given 1-based attempt:
// min(base << (attempt-1), max). Attempt 1 waits base; the caller decides
// whether to skip the first wait entirely.
//
// Delays are deliberately jitter-free so they stay monotonically
// non-decreasing in the attempt number.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Guard the shift: past 62 bits everything caps anyway.
	if attempt > 32 {
		return max
	}
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Wait sleeps for Delay(base, max, attempt) or until done is closed.
// It reports false if the wait was cancelled.
func Wait(done <-chan struct{}, base, max time.Duration, attempt int) bool {
	t := time.NewTimer(Delay(base, max, attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
