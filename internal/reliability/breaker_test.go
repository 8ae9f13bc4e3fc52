package reliability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(threshold uint32) *CircuitBreaker {
	return NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := testBreaker(3)
	calls := 0
	require.NoError(t, b.Execute(context.Background(), func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(3)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	// Open circuit fails fast without invoking the function.
	calls := 0
	err := b.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := testBreaker(3)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func() error { return boom })
	}
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func() error { return boom })
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerRespectsContext(t *testing.T) {
	b := testBreaker(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func() error {
		t.Error("must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
