package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("delivery queue stopped")
	ErrQueueFull = errors.New("delivery queue full")
	// ErrDuplicate rejects a job whose dedup key is already pending or in flight.
	ErrDuplicate  = errors.New("delivery job already queued")
	ErrInvalidJob = errors.New("invalid delivery job")
	// ErrTerminal wraps the last send error once a job will not be retried.
	ErrTerminal = errors.New("terminal delivery failure")
)

// NoRetry marks a send error as permanent (bad address, rejected content).
//
//	return "", delivery.NoRetry(fmt.Errorf("mailbox unavailable: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a provider hint (SMTP 4xx with a delay, broker
// back-pressure). The queue honours it, bounded by RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
