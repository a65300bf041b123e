package activitypub

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays. The delay after the n-th failed attempt is
// Base*2^(n-1), capped at Cap, plus up to Jitter*delay of random spread.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	rand func() float64
}

func NewBackoff(base, cap time.Duration, jitter float64) Backoff {
	return Backoff{Base: base, Cap: cap, Jitter: jitter, rand: rand.Float64}
}

// Delay is the deterministic part of the delay after attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Next is Delay plus jitter.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(float64(d)*b.Jitter*r())
}
