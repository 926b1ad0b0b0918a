package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRetryOnlyCache returns a cache whose sleeps are recorded instead of waited.
func newRetryOnlyCache(policy RetryPolicy) (*RedisCache, *[]time.Duration) {
	var slept []time.Duration
	c := &RedisCache{
		logger: zerolog.Nop(),
		retry:  policy,
		sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		now: time.Now,
	}
	return c, &slept
}

func TestRetryPolicy_Delays(t *testing.T) {
	assert.Equal(t,
		[]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		DefaultRetryPolicy().Delays())

	long := DefaultRetryPolicy()
	long.MaxRetries = 6
	assert.Equal(t,
		[]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second},
		long.Delays())
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("Succeeds on the third attempt", func(t *testing.T) {
		// Arrange
		c, slept := newRetryOnlyCache(DefaultRetryPolicy())
		attempts := 0

		// Act
		got, err := withRetry(ctx, c, "get", func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
		assert.Equal(t, int64(2), c.stats.retries.Load())
		assert.Equal(t, int64(0), c.stats.errors.Load())
	})

	t.Run("Exhausts after max retries plus one attempts", func(t *testing.T) {
		// Arrange
		c, slept := newRetryOnlyCache(DefaultRetryPolicy())
		attempts := 0
		lastErr := errors.New("attempt 4 failed")

		// Act
		_, err := withRetry(ctx, c, "put", func(ctx context.Context) (struct{}, error) {
			attempts++
			if attempts == 4 {
				return struct{}{}, lastErr
			}
			return struct{}{}, errors.New("earlier failure")
		})

		// Assert
		require.Error(t, err)
		assert.Equal(t, 4, attempts)
		var opErr *OperationError
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, "put", opErr.Op)
		assert.Equal(t, 3, opErr.Retries)
		assert.ErrorIs(t, err, lastErr)
		assert.Contains(t, err.Error(), `cache operation "put" failed after 3 retries`)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, *slept)
		assert.Equal(t, int64(3), c.stats.retries.Load())
		assert.Equal(t, int64(1), c.stats.errors.Load())
	})

	t.Run("Cancelled context stops the backoff", func(t *testing.T) {
		c := &RedisCache{logger: zerolog.Nop(), retry: DefaultRetryPolicy(), sleep: sleepContext, now: time.Now}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		attempts := 0

		backendErr := errors.New("down")

		_, err := withRetry(cancelled, c, "get", func(ctx context.Context) (int, error) {
			attempts++
			return 0, backendErr
		})

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, backendErr, "the backend failure is kept")
		var opErr *OperationError
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, 0, opErr.Retries)
		assert.Contains(t, err.Error(), "failed after 0 retries")
		assert.Equal(t, int64(0), c.stats.retries.Load())
	})

	t.Run("Cancellation mid schedule reports retries made", func(t *testing.T) {
		c, slept := newRetryOnlyCache(DefaultRetryPolicy())
		c.sleep = func(_ context.Context, d time.Duration) error {
			if len(*slept) == 2 {
				return context.DeadlineExceeded
			}
			*slept = append(*slept, d)
			return nil
		}

		_, err := withRetry(ctx, c, "put", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, errors.New("down")
		})

		var opErr *OperationError
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, 2, opErr.Retries)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
