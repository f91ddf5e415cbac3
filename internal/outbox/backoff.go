package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes retry delays: exponential growth capped at Max, with equal
// jitter (a delay of d is drawn from [d/2, d]).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// equal jitter expressed as a centre of 3d/4 randomized by a third either way
const jitterFactor = 1.0 / 3

func (b Backoff) policy() *backoff.ExponentialBackOff {
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	p := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base * 3 / 4,
		RandomizationFactor: jitterFactor,
		Multiplier:          factor,
		MaxInterval:         b.Max * 3 / 4,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	p.Reset()
	return p
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures (1 for the first failure).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	p := b.policy()
	var d time.Duration
	for i := 0; i < failures; i++ {
		d = p.NextBackOff()
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Next returns the retry time for a failure at now, never earlier than prev.
func (b Backoff) Next(now time.Time, failures int, prev *time.Time) time.Time {
	next := now.Add(b.Delay(failures))
	if prev != nil && next.Before(*prev) {
		return *prev
	}
	return next
}
