package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	policy := Policy{MaxAttempts: 3, Backoff: Fixed(time.Millisecond)}
	calls := 0

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &TransientError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	policy := Policy{MaxAttempts: 5, Backoff: Fixed(time.Millisecond)}
	permanent := errors.New("bad request")
	calls := 0

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 2, Backoff: Fixed(time.Millisecond)}

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return Transient(fmt.Errorf("attempt %d", attempt))
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestDoStopsWhenContextEndsDuringBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 3, Backoff: Fixed(time.Hour)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	calls := 0

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return Transient(errors.New("boom"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsTransientStatus(http.StatusTooManyRequests))
	assert.True(t, IsTransientStatus(http.StatusRequestTimeout))
	assert.True(t, IsTransientStatus(http.StatusBadGateway))
	assert.False(t, IsTransientStatus(http.StatusNotFound))
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	policy := Policy{Backoff: Fixed(time.Hour)}
	err := &TransientError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Millisecond, Err: errors.New("slow down")}
	assert.Equal(t, time.Millisecond, policy.delay(1, err))
	assert.Equal(t, 3*time.Second, Linear(time.Second)(3))
}
