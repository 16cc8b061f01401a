package queue

import (
	"errors"
	"time"
)

// RetryPolicy decides how many attempts a record gets and when the next one
// runs.
type RetryPolicy struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	DefaultMaxRetries int
	// MaxRetries overrides DefaultMaxRetries per notification type.
	MaxRetries map[NotificationType]int
}

// DefaultRetryPolicy returns the default retry policy. Refunds get more
// attempts than communications.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
		DefaultMaxRetries: 3,
		MaxRetries: map[NotificationType]int{
			TypeRefund: 5,
		},
	}
}

// MaxRetriesFor returns the attempt budget for a notification type.
func (p RetryPolicy) MaxRetriesFor(t NotificationType) int {
	if n, ok := p.MaxRetries[t]; ok && n > 0 {
		return n
	}
	if p.DefaultMaxRetries > 0 {
		return p.DefaultMaxRetries
	}
	return 1
}

// Backoff returns the delay before retry number retryCount (1-based).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < retryCount; i++ {
		backoff *= p.BackoffMultiplier
		if backoff > float64(p.MaxBackoff) {
			break
		}
	}

	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	return time.Duration(backoff)
}

// NextRetryAt returns when retry number retryCount may run. The result is
// never earlier than the previous execute time.
func (p RetryPolicy) NextRetryAt(previousExecuteAt, now time.Time, retryCount int) time.Time {
	next := now.Add(p.Backoff(retryCount))
	if next.Before(previousExecuteAt) {
		return previousExecuteAt
	}
	return next
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// IsRetryable reports whether the dispatcher would retry after err.
func IsRetryable(err error) bool {
	return err != nil && isRetryable(err)
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
