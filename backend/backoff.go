package backend

import (
	"math/rand"
	"time"
)

// Backoff computes reconnection delays: exponential growth from Base,
// capped at Max, with ±20% jitter so a fleet of stores does not reconnect
// in lockstep after a shared outage.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	// Shift with cap check per step to avoid overflow on long outages.
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	// ±20% jitter
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

// Reset clears the counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
