package upstox

import "time"

// BackoffPolicy is the reconnection schedule: exponential delay growth
// capped at MaxDelay, for at most MaxAttempts attempts. It is pure so the
// schedule can be tested without sockets or clocks.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff mirrors the bounded retry settings used against the
// broker: 2s, 4s, 8s, 16s, 32s and then give up.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether the given 1-based attempt exceeds the budget.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
