package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmq/meshmq/contracts"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		calls++
		if calls < 3 {
			return contracts.Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	flaky := contracts.Transient(errors.New("flaky"))
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
		calls++
		return flaky
	})
	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnTerminalErrors(t *testing.T) {
	t.Run("setup error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return contracts.NewSetupError("bad config")
		})
		assert.True(t, contracts.IsSetupError(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("stopped client", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return contracts.ErrClientStopped
		})
		assert.ErrorIs(t, err, contracts.ErrClientStopped)
		assert.Equal(t, 1, calls)
	})

	t.Run("plain error", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
		t.Error("must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponentialBackoffDelays(t *testing.T) {
	policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
	policy.Jitter = false

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	// Capped at the maximum interval.
	assert.Equal(t, time.Second, policy.NextDelay(5))
}

func TestExponentialBackoffShouldRetry(t *testing.T) {
	policy := NewExponentialBackoff(time.Millisecond, time.Second, 2, 2)

	retry, _ := policy.ShouldRetry(0, contracts.Transient(errors.New("x")))
	assert.True(t, retry)

	retry, _ = policy.ShouldRetry(2, contracts.Transient(errors.New("x")))
	assert.False(t, retry)

	retry, _ = policy.ShouldRetry(0, errors.New("x"))
	assert.False(t, retry)
}
