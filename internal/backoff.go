package internal

import (
	"math/rand"
	"time"
)

// Backoff computes full-jitter exponential delays:
// delay = random(0, min(Max, Base * Multiplier^attempt)).
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff is 500ms doubling up to 10s
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Multiplier: 2,
		Max:        10 * time.Second,
	}
}

// Ceiling is the upper bound of the jitter window for attempt (0-based)
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := float64(b.Base)
	for i := 0; i < attempt && ceiling < float64(b.Max); i++ {
		ceiling *= b.Multiplier
	}
	if ceiling > float64(b.Max) {
		return b.Max
	}
	return time.Duration(ceiling)
}

// Delay returns a random delay for attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(b.Ceiling(attempt)))
}
