package main

import (
	"math/rand"
	"time"
)

// backoff produces exponentially growing wait intervals with random upward
// jitter, so simultaneous reconnects across mailboxes drift apart. The
// sequence is non-decreasing and never exceeds the cap.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	jitter  float64
	current time.Duration
	rng     *rand.Rand
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{
		base:   base,
		cap:    cap,
		jitter: 0.2,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the interval to wait before the next attempt.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else if b.current < b.cap {
		b.current *= 2
		if b.current > b.cap {
			b.current = b.cap
		}
	}
	d := b.current
	if b.jitter > 0 {
		d += time.Duration(b.jitter * b.rng.Float64() * float64(d))
	}
	if d > b.cap {
		d = b.cap
	}
	return d
}

// Reset is called after a healthy cycle so the next failure starts over at
// the base interval.
func (b *backoff) Reset() {
	b.current = 0
}
