// Package retry declares retry policies for calls to remote services and
// background tasks.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes which errors are retried and how long to wait between
// attempts.
type Policy struct {
	// Retryable reports whether err is worth another attempt. A nil
	// Retryable retries every error.
	Retryable       func(err error) bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
}

// Notify is called before waiting for the next attempt.
type Notify func(err error, wait time.Duration)

// Exponential returns a policy with exponential backoff and the given
// number of retries.
func Exponential(maxRetries uint64, initial, maxInterval time.Duration) Policy {
	return Policy{
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      2,
		MaxRetries:      maxRetries,
	}
}

// None returns a policy that never retries.
func None() Policy {
	return Policy{Retryable: func(error) bool { return false }}
}

// WithRetryable returns a copy of p using fn to classify errors.
func (p Policy) WithRetryable(fn func(err error) bool) Policy {
	p.Retryable = fn

	return p
}

// ShouldRetry reports whether attempt (1-based) failing with err should be
// retried.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || uint64(attempt) > p.MaxRetries {
		return false
	}

	return p.Retryable == nil || p.Retryable(err)
}

// Delay returns the wait before retrying after attempt (1-based) failed.
func (p Policy) Delay(attempt int) time.Duration {
	b := p.backOff()

	var d time.Duration
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}

	if d == backoff.Stop {
		return p.MaxInterval
	}

	return d
}

// Do calls op until it succeeds, returns a non-retryable error, the retries
// are exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, op func() error, notify Notify) error {
	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), p.MaxRetries), ctx)

	return backoff.RetryNotify(operation, b, backoff.Notify(notify))
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}

	b.Reset()

	return b
}
