package exchange

import (
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential reconnect delays.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoff is 5s doubling up to 60s, five attempts, no jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        5 * time.Second,
		Max:         60 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
	}
}

// Next returns the wait before the given 1-based attempt.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := b.Max
	if max < base {
		max = base
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := min(b.Jitter, 1)
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Attempts returns the configured attempt budget, defaulting to 5.
func (b Backoff) Attempts() int {
	if b.MaxAttempts <= 0 {
		return 5
	}
	return b.MaxAttempts
}
