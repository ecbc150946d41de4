package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base * 2^(attempt-1) plus up to
// Jitter*delay of random spread, never more than Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff matches the server's documented reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 0.5,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(float64(d) * b.Jitter * r())
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
