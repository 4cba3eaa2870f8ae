package retry

import (
	"fmt"
	"time"
)

// RetryableError wraps the error of a remote operation that may succeed when
// it is run again, e.g. after an API rate limit reset or a 5xx response.
// Run keeps retrying operations that fail with it, every other error aborts
// the run.
type RetryableError struct {
	// Err is the original error of the failed operation.
	Err error
	// After is the earliest time the operation may be retried.
	// The zero value means it can be retried immediately.
	After time.Time
}

// NewRetryableError marks err as retryable no earlier than retryAfter.
func NewRetryableError(err error, retryAfter time.Time) *RetryableError {
	return &RetryableError{Err: err, After: retryAfter}
}

// NewRetryableAnytimeError marks err as retryable without a wait.
func NewRetryableAnytimeError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return "retryable error: " + e.Err.Error()
	}

	return fmt.Sprintf("retryable error, earliest retry at %s: %s",
		e.After.Format(time.RFC3339), e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
