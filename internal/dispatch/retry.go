package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type retryPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter float64
}

func newRetryPolicy(base, max time.Duration) *retryPolicy {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max < base {
		max = 5 * time.Minute
	}
	return &retryPolicy{base: base, max: max, jitter: 0.2}
}

// delay returns the wait before retry number attempt (1-based)
func (p *retryPolicy) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.base
	b.MaxInterval = p.max
	b.Multiplier = 2
	b.RandomizationFactor = p.jitter
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
