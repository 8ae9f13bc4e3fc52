package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmq/meshmq/contracts"
)

func TestConcurrentQueueIsBounded(t *testing.T) {
	sub, err := NewSubscriber[string](testParser{},
		WithTopics("orders"),
		WithConcurrency(4),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, sub.Handle(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		return nil
	}))

	client := newFakeClient()
	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	assert.Equal(t, 4, cap(sub.queue))
}

func TestConcurrentFanOut(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "a"},
		fetchStep{raw: "b"},
		fetchStep{raw: "c"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](testParser{},
		WithTopics("orders"),
		WithConcurrency(3),
		WithAckPolicy(RejectOnError),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var handled []string
	require.NoError(t, sub.Handle(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		mu.Lock()
		handled = append(handled, string(msg.Payload))
		mu.Unlock()
		return nil
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, handled)
	mu.Unlock()
	assert.ElementsMatch(t, []string{"ack:a", "ack:b", "ack:c"}, client.ackEvents())
}

func TestConcurrentSingleWorkerPreservesOrder(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "1"},
		fetchStep{raw: "2"},
		fetchStep{raw: "3"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](testParser{},
		WithTopics("orders"),
		WithAckPolicy(RejectOnError),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var handled []string
	require.NoError(t, sub.Handle(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		mu.Lock()
		handled = append(handled, string(msg.Payload))
		mu.Unlock()
		return nil
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, handled)
}

func TestConcurrentDrainsQueueOnClose(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "a"},
		fetchStep{raw: "b"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](testParser{},
		WithTopics("orders"),
		WithConcurrency(2),
		WithAckPolicy(RejectOnError),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	require.NoError(t, sub.Handle(func(ctx context.Context, msg *contracts.Envelope[string]) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	<-started
	closed := make(chan error, 1)
	go func() { closed <- sub.Close() }()

	// Close must wait for the in-flight and queued messages.
	select {
	case <-closed:
		t.Fatal("close returned while handlers were still blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close never returned")
	}

	assert.ElementsMatch(t, []string{"ack:a", "ack:b"}, client.ackEvents())
}
