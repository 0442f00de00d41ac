package internal

import (
	"context"
	"errors"
	"time"
)

// BaseDelay is the first backoff step; each following attempt doubles it.
var BaseDelay = 100 * time.Millisecond

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The retry helpers return the
// wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func backoff(attempt int) time.Duration {
	return BaseDelay * time.Duration(1<<attempt)
}

// RetryWithContext calls fn up to maxAttempts times with exponential backoff
// (100ms, 200ms, 400ms, ...). It stops early on a Permanent error or when ctx
// is cancelled, in which case ctx.Err() is returned.
func RetryWithContext(ctx context.Context, maxAttempts int, fn func() error) error {
	_, err := RetryResultWithContext(ctx, maxAttempts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResultWithContext is like RetryWithContext but for functions that return a value.
func RetryResultWithContext[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < maxAttempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return result, permanent.err
		}

		if i < maxAttempts-1 {
			timer := time.NewTimer(backoff(i))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
