package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultMaxAttempts = 3

	baseDelay = 500 * time.Millisecond
	maxDelay  = 5 * time.Second
)

// Retry calls fn until it succeeds, up to maxAttempts times, sleeping with
// jittered exponential backoff in between. Errors that cannot change on a
// repeat (see retryable) end the loop at once. Only connectivity checks use
// it; uploads are never retried inside a sync run.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoffDelay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled after %d attempt(s): %w", attempt, ctx.Err())
			case <-timer.C:
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry cancelled: %w", ctxErr)
		}

		if err = fn(); err == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempt(s): %w", maxAttempts, err)
}

// retryable reports whether err may go away on its own: transport failures,
// 5xx answers and 429. Other status errors are final.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
}

// backoffDelay doubles from baseDelay up to maxDelay and returns a value
// drawn uniformly from [d/2, d).
func backoffDelay(attempt int) time.Duration {
	d := min(baseDelay<<attempt, maxDelay)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half))) //nolint:gosec // jitter only
}
