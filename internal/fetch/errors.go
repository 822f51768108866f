package fetch

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is an HTTP 429 from a search endpoint. It never surfaces
// as an item failure: the router marks the endpoint limited and the call is
// retried elsewhere.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Endpoint)
}

// TransientError is a network failure or 5xx that may succeed on retry.
type TransientError struct {
	Endpoint string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure from %s: %v", e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient returns true if err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
