package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff retries forever with growth capped at maxInterval.
// Callers bound it with backoff.WithContext.
func NewExponentialBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}

// NewSubmitBackoff allows at most attempts tries of a transaction submission.
func NewSubmitBackoff(attempts int, initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 8 * initial
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}
