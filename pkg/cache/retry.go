package cache

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how a failing cache operation is retried.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryPolicy returns 3 retries at 100ms, 200ms, 400ms, capped at 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
	}
}

// Delays returns the full backoff schedule, one entry per retry.
func (p RetryPolicy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, p.MaxRetries)
	current := p.InitialDelay
	for i := 0; i < p.MaxRetries; i++ {
		delays = append(delays, current)
		current = p.next(current)
	}
	return delays
}

func (p RetryPolicy) next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.BackoffFactor)
	if next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn up to MaxRetries+1 times. Each retry sleeps for the
// current delay, bumps the retry counter and then multiplies the delay by
// BackoffFactor, capped at MaxDelay. When no attempt succeeds the error
// counter is bumped and an *OperationError is returned carrying the retries
// actually made and the last failure, joined with the context error when ctx
// ended the backoff.
func withRetry[T any](ctx context.Context, c *RedisCache, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy := c.retry
	delay := policy.InitialDelay
	retries := 0
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Err(lastErr).Msg("Retrying cache operation.")
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
			retries++
			c.stats.retries.Add(1)
			delay = policy.next(delay)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	c.stats.errors.Add(1)
	return zero, &OperationError{Op: op, Retries: retries, Err: lastErr}
}
