package retry

import (
	"context"
	"errors"
	"net"

	"go.mongodb.org/mongo-driver/mongo"
)

// Kind classifies a raw error into the handling spec.md §4.7/§7 assigns it:
// whether the pipeline retries it, treats it as a config/auth/schema fatal,
// or falls through to the scheduler's solo-retry/dead-letter path.
type Kind int

const (
	// KindUnknown is returned for nil errors; callers should not act on it.
	KindUnknown Kind = iota
	// KindRetry covers transient network/write-conflict errors worth
	// retrying under the backoff Policy.
	KindRetry
	// KindFatal covers config, auth, and schema errors that must abort
	// the run rather than retry.
	KindFatal
)

// Classify maps a raw error from a store driver (Mongo WriteException,
// CouchDB HTTPStatus, a plain net.Error, or a context cancellation) onto a
// Kind. This is the single place that distinguishes retryable transport
// noise from a fatal configuration problem, per spec.md §7's error
// taxonomy. Neither Policy.Do nor the scheduler calls it: Do retries every
// error that is not wrapped with Fatal.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetry
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("RetryableWriteError") {
			return KindRetry
		}
		return KindFatal
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			switch we.Code {
			case 11000, // duplicate key
				112: // write conflict
				return KindRetry
			}
		}
		return KindFatal
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return KindRetry
	}

	return KindFatal
}
