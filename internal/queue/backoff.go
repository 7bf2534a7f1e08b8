package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy schedules redelivery delays for nacked-and-requeued messages.
// Attempt counting starts at 1 for the first redelivery.
type BackoffPolicy interface {
	// NextDelay returns how long the message is held back before it becomes
	// deliverable again.
	NextDelay(attempt int) time.Duration
}

// NoBackoff redelivers immediately; requeued messages return to the head of
// the pending sequence and go out on the next dispatch.
type NoBackoff struct{}

// NextDelay implements BackoffPolicy
func (NoBackoff) NextDelay(int) time.Duration { return 0 }

// ExponentialBackoff holds redeliveries back with exponentially growing delays.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements BackoffPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedBackoff holds every redelivery back by the same delay.
type FixedBackoff struct {
	Delay time.Duration
}

// NextDelay implements BackoffPolicy
func (f FixedBackoff) NextDelay(int) time.Duration { return f.Delay }
