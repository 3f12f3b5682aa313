// Package retry provides configurable backoff policies with exponential
// delays and jitter, used by polling loops such as the outbox drainer.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines backoff behavior for a retried or polled operation.
type Policy struct {
	// MaxAttempts caps attempts for bounded retries (including the first).
	// Polling loops that never give up can ignore it and rely on NextDelay
	// alone.
	MaxAttempts int

	// InitialDelay is the delay after the first failure or idle poll.
	InitialDelay time.Duration

	// MaxDelay caps the delay regardless of how many attempts have failed.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each attempt.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to each delay, spreading out
	// retry storms from many workers waking at once.
	Jitter float64
}

// Default returns a policy suited to bounded operation retries:
// 3 attempts, 1 second initial delay, 30 second cap, 2x growth, 10% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Polling returns a policy suited to idle-poll loops: 1 second base delay
// growing to a 10 second cap with full 100% jitter, unbounded attempts.
func Polling() *Policy {
	return &Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       1.0,
	}
}

// NextDelay calculates the delay after the given attempt (1-indexed).
// Returns 0 for attempt 0 or negative attempts.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * multiplier)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// Scale by a random factor in [1, 1+Jitter] so jitter never pushes
		// a poll loop below its base delay.
		delay = time.Duration(float64(delay) * (1 + p.Jitter*rand.Float64()))
	}

	return delay
}

// ShouldRetry reports whether another attempt should be made after the
// given failed attempt (1-indexed). Policies with MaxAttempts <= 0 retry
// indefinitely.
func (p *Policy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt < p.MaxAttempts
}
