package openalex

import (
	"fmt"
	"time"
)

// TransientError marks a fetch failure that is safe to retry: a network
// error, a 5xx response, or upstream rate limiting. The client absorbs these
// with backoff; one only escapes FetchPage after the attempt budget is spent.
type TransientError struct {
	Status int
	Err    error

	// RetryAfter carries an upstream Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient source error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a non-retryable upstream response (a 4xx other than 429).
// It terminates the run immediately.
type FatalError struct {
	Status int
	Body   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal source error (status %d): %s", e.Status, e.Body)
}
