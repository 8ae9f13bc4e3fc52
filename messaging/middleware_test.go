package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmq/meshmq/contracts"
)

func TestChainMiddlewareOrder(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware[string] {
		return func(next Handler[string]) Handler[string] {
			return func(ctx context.Context, msg *contracts.Envelope[string]) error {
				trace = append(trace, name+":before")
				err := next(ctx, msg)
				trace = append(trace, name+":after")
				return err
			}
		}
	}

	h := chainMiddleware(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		trace = append(trace, "handler")
		return nil
	}, tag("outer"), tag("inner"))

	require.NoError(t, h(context.Background(), &contracts.Envelope[string]{}))
	assert.Equal(t, []string{
		"outer:before", "inner:before", "handler", "inner:after", "outer:after",
	}, trace)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := chainMiddleware(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		panic("kaboom")
	}, Recovery[string](discardLogger()))

	err := h(context.Background(), &contracts.Envelope[string]{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRecoveryInLoopNacksPanickedMessage(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "A"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](testParser{},
		WithTopics("orders"),
		WithAckPolicy(RejectOnError),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	sub.Use(Recovery[string](discardLogger()))
	require.NoError(t, sub.Handle(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		panic("kaboom")
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	assert.Eventually(t, func() bool {
		events := client.ackEvents()
		return len(events) == 1 && events[0] == "nack:A"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())
}
