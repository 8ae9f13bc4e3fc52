package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshmq/meshmq/contracts"
)

// RequestClient publishes a request and blocks until a response bearing the
// same correlation id arrives on the reply destination, or a timeout elapses.
//
// It composes a Publisher for the request destination with a Subscriber bound
// to the reply destination; the subscriber's handler routes inbound replies
// to the waiting caller by correlation id.
type RequestClient[T any] struct {
	publisher  *Publisher[T]
	subscriber *Subscriber[T]
	replyTopic string
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *contracts.Envelope[T]
}

// RequestClientOption configures a RequestClient.
type RequestClientOption[T any] func(*RequestClient[T])

// WithRequestLogger sets the logger.
func WithRequestLogger[T any](logger *slog.Logger) RequestClientOption[T] {
	return func(c *RequestClient[T]) {
		c.logger = logger
	}
}

// NewRequestClient wires a publisher to a reply subscriber. The subscriber
// must not have a handler registered; the client installs its own router.
func NewRequestClient[T any](pub *Publisher[T], replySub *Subscriber[T], options ...RequestClientOption[T]) (*RequestClient[T], error) {
	if pub == nil {
		return nil, contracts.NewSetupError("publisher is required")
	}
	if replySub == nil {
		return nil, contracts.NewSetupError("reply subscriber is required")
	}
	topics := replySub.Topics()
	if len(topics) != 1 {
		return nil, contracts.NewSetupError("reply subscriber must bind exactly one destination")
	}

	c := &RequestClient[T]{
		publisher:  pub,
		subscriber: replySub,
		replyTopic: topics[0],
		logger:     slog.Default(),
		pending:    make(map[string]chan *contracts.Envelope[T]),
	}
	for _, opt := range options {
		opt(c)
	}

	if err := replySub.Handle(c.route); err != nil {
		return nil, err
	}
	return c, nil
}

// Start starts the reply subscriber.
func (c *RequestClient[T]) Start(ctx context.Context) error {
	return c.subscriber.Start(ctx)
}

// Close stops the reply subscriber and fails any waiting requests.
func (c *RequestClient[T]) Close() error {
	err := c.subscriber.Close()

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return err
}

// Request publishes the payload with a generated correlation id and the reply
// destination, then waits for the correlated response. The timeout cancels
// the wait only, never the already-sent publish.
func (c *RequestClient[T]) Request(ctx context.Context, payload []byte, timeout time.Duration, options ...PublishOption) (*contracts.Envelope[T], error) {
	correlationID := uuid.NewString()

	ch := make(chan *contracts.Envelope[T], 1)
	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	opts := append(options,
		WithPublishCorrelationID(correlationID),
		WithPublishReplyTo(c.replyTopic),
	)
	if err := c.publisher.Publish(ctx, payload, opts...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, contracts.ErrClientStopped
		}
		return env, nil
	case <-timer.C:
		return nil, contracts.ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// route delivers an inbound reply to the caller waiting on its correlation
// id. Unmatched replies are dropped with a log line; late responses after a
// timeout are expected.
func (c *RequestClient[T]) route(ctx context.Context, msg *contracts.Envelope[T]) error {
	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping unmatched reply", "correlationId", msg.CorrelationID)
		return nil
	}
	ch <- msg
	return nil
}
