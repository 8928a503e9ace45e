package transport

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError means the provider signaled backpressure. The breaker has
// already been opened for RetryAfter.
type RateLimitedError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited (status %d), retry after %s", e.Provider, e.StatusCode, e.RetryAfter)
}

// TransientError is a retryable failure: a non-2xx response or a network error.
type TransientError struct {
	Err        error
	Provider   string
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProviderBlockedError is returned without any network I/O while the
// provider's breaker is open.
type ProviderBlockedError struct {
	Until    time.Time
	Provider string
}

func (e *ProviderBlockedError) Error() string {
	return fmt.Sprintf("%s: blocked by circuit breaker until %s", e.Provider, e.Until.Format(time.RFC3339))
}

// IsRateLimited reports whether err is a rate-limit classification.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsBlocked reports whether err came from an open breaker.
func IsBlocked(err error) bool {
	var target *ProviderBlockedError
	return errors.As(err, &target)
}
