package chain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoRecords reports that a log filter matched nothing. Callers treat it
// as a valid empty result, never a failure.
var ErrNoRecords = errors.New("no matching records")

// RateLimitError is returned when the upstream provider throttles a request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps a network-level failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a market's pipeline as unrecoverable: retries exhausted
// or a non-retryable upstream failure. It aborts one market, not the batch.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal gateway error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a throttle or transient failure.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// IsFatal reports whether err should abort the current market's pipeline.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
