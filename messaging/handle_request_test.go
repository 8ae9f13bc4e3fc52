package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmq/meshmq/contracts"
)

// replyParser stamps each envelope with a fixed reply destination and
// correlation id so request handling can be observed end to end.
type replyParser struct {
	replyTo string
}

func (p replyParser) Parse(raw string) (*contracts.Envelope[string], error) {
	return &contracts.Envelope[string]{
		Raw:           raw,
		Payload:       []byte(raw),
		Headers:       map[string]string{},
		CorrelationID: "corr-" + raw,
		ReplyTo:       p.replyTo,
	}, nil
}

func (p replyParser) ParseBatch(raws []string) (*contracts.Envelope[string], error) {
	return &contracts.Envelope[string]{RawBatch: raws}, nil
}

func TestHandleRequestPublishesReply(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "Q"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](replyParser{replyTo: "callers.inbox"},
		WithTopics("rpc.orders"),
		WithAckPolicy(RejectOnError),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, sub.HandleRequest(func(ctx context.Context, msg *contracts.Envelope[string]) ([]byte, error) {
		return []byte("answer:" + string(msg.Payload)), nil
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(client.publishedCommands()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())

	cmds := client.publishedCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "callers.inbox", cmds[0].Destination)
	assert.Equal(t, []byte("answer:Q"), cmds[0].Payload)
	assert.Equal(t, "corr-Q", cmds[0].CorrelationID)

	// Request was acknowledged after a successful handler plus reply.
	assert.Equal(t, []string{"ack:Q"}, client.ackEvents())
}

func TestHandleRequestNoReply(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "Q"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](replyParser{replyTo: "callers.inbox"},
		WithTopics("rpc.orders"),
		WithAckPolicy(RejectOnError),
		WithNoReply(),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, sub.HandleRequest(func(ctx context.Context, msg *contracts.Envelope[string]) ([]byte, error) {
		return []byte("answer"), nil
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	assert.Eventually(t, func() bool {
		events := client.ackEvents()
		return len(events) == 1 && events[0] == "ack:Q"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())

	assert.Empty(t, client.publishedCommands())
}

func TestHandleRequestWithoutReplyTo(t *testing.T) {
	client := newFakeClient(
		fetchStep{raw: "Q"},
		fetchStep{err: contracts.ErrClientStopped},
	)

	sub, err := NewSubscriber[string](testParser{},
		WithTopics("rpc.orders"),
		WithAckPolicy(RejectOnError),
		WithSubscriberLogger(discardLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, sub.HandleRequest(func(ctx context.Context, msg *contracts.Envelope[string]) ([]byte, error) {
		return []byte("answer"), nil
	}))

	sub.Setup(client.factory())
	require.NoError(t, sub.Start(context.Background()))

	assert.Eventually(t, func() bool {
		events := client.ackEvents()
		return len(events) == 1 && events[0] == "ack:Q"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())

	assert.Empty(t, client.publishedCommands())
}
