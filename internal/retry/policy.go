// Package retry centralizes the pipeline's one retry policy, replacing the
// ad-hoc backoff loops the teacher hand-rolls in coordinator/coordinator.go
// (ReconnectInitialDelay/ReconnectMaxDelay/ReconnectBackoffFactor, manually
// multiplied each attempt) with a single configurable object built on
// github.com/cenkalti/backoff/v4. The scheduler wraps sink commits (bulk
// and per-id solo retries) in it; cursor reads and checkpoint saves are
// not retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy holds the exponential-backoff-with-jitter parameters spec.md §4.7
// specifies for sink writes.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
	Jitter      float64 // fractional, e.g. 0.25 for ±25%
}

// DefaultPolicy matches spec.md §4.7: base 200ms, factor 2, max 6 attempts,
// jitter ±25%.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		MaxAttempts: 6,
		Jitter:      0.25,
	}
}

// PermanentError marks an error that must never be retried (auth, schema),
// per spec.md §4.7: "a permanent error is fatal."
type PermanentError struct{ Err error }

func (p *PermanentError) Error() string { return p.Err.Error() }
func (p *PermanentError) Unwrap() error { return p.Err }

// Fatal wraps err so Do treats it as non-retryable and returns immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do runs fn under the policy's backoff schedule, retrying until fn returns
// a nil error, a *PermanentError, MaxAttempts is exhausted, or ctx is
// cancelled. Callers distinguish the fatal/exhausted cases via errors.As.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	b := p.newBackOff(ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts via WithMaxRetries instead

	withRetries := backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	return backoff.WithContext(withRetries, ctx)
}
