// Package rabbitmq adapts an AMQP 0-9-1 broker to the engine's broker client
// capability using rabbitmq/amqp091-go.
//
// Fetching uses basic.get polling so the engine's pull loop stays in control.
// The channel runs in confirm mode; publishes wait for the broker
// confirmation when the command asks for it.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meshmq/meshmq/contracts"
	"github.com/meshmq/meshmq/messaging"
)

// Config describes one AMQP client.
type Config struct {
	// URL is an amqp:// connection URL.
	URL string
	// Queues are the consumption queues, declared durable at connect.
	Queues []string
	// Exchange is the publish exchange. Empty uses the default exchange with
	// the destination as routing key.
	Exchange string
	// DeclareQueues controls whether Connect declares and binds the queues.
	DeclareQueues bool
	// Requeue controls whether a negative acknowledgment requeues the
	// message instead of dead-lettering it.
	Requeue bool
}

// Client implements messaging.BrokerClient[amqp.Delivery].
type Client struct {
	conn     *amqp.Channel
	connBase *amqp.Connection
	queues   []string
	exchange string
	requeue  bool

	mu     sync.Mutex
	next   int
	closed bool
}

// Connect opens a connection and one confirm-mode channel, declaring the
// configured queues when asked to.
func Connect(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, contracts.NewSetupError("rabbitmq: broker URL is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: connect to %q: %w", cfg.URL, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}

	if cfg.DeclareQueues {
		for _, q := range cfg.Queues {
			if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
				conn.Close()
				return nil, fmt.Errorf("rabbitmq: declare queue %q: %w", q, err)
			}
			if cfg.Exchange != "" {
				if err := ch.QueueBind(q, q, cfg.Exchange, false, nil); err != nil {
					conn.Close()
					return nil, fmt.Errorf("rabbitmq: bind queue %q: %w", q, err)
				}
			}
		}
	}

	return &Client{
		conn:     ch,
		connBase: conn,
		queues:   cfg.Queues,
		exchange: cfg.Exchange,
		requeue:  cfg.Requeue,
	}, nil
}

// Factory returns a client factory for the engine.
func Factory(cfg Config) messaging.ClientFactory[amqp.Delivery] {
	return func(ctx context.Context) (messaging.BrokerClient[amqp.Delivery], error) {
		return Connect(cfg)
	}
}

// FetchOne polls the bound queues round-robin until a message arrives or the
// timeout elapses.
func (c *Client) FetchOne(ctx context.Context, timeout time.Duration) (amqp.Delivery, bool, error) {
	if len(c.queues) == 0 {
		return amqp.Delivery{}, false, contracts.NewSetupError("rabbitmq: client has no subscription")
	}

	deadline := time.Now().Add(timeout)
	sleep := timeout / 10
	if sleep <= 0 {
		sleep = 10 * time.Millisecond
	}

	for {
		if c.isClosed() {
			return amqp.Delivery{}, false, contracts.ErrClientStopped
		}
		msg, ok, err := c.conn.Get(c.nextQueue(), false)
		if err != nil {
			return amqp.Delivery{}, false, c.fetchError(err)
		}
		if ok {
			return msg, true, nil
		}
		if time.Now().After(deadline) {
			return amqp.Delivery{}, false, nil
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return amqp.Delivery{}, false, ctx.Err()
		}
	}
}

// FetchMany drains up to max messages, waiting at most timeout for the first.
func (c *Client) FetchMany(ctx context.Context, timeout time.Duration, max int) ([]amqp.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	first, ok, err := c.FetchOne(ctx, timeout)
	if err != nil || !ok {
		return nil, err
	}

	out := []amqp.Delivery{first}
	for len(out) < max {
		msg, ok, err := c.conn.Get(c.nextQueue(), false)
		if err != nil {
			break
		}
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ack acknowledges the delivery.
func (c *Client) Ack(ctx context.Context, raw amqp.Delivery) error {
	return raw.Ack(false)
}

// Nack negatively acknowledges the delivery, requeueing per configuration.
func (c *Client) Nack(ctx context.Context, raw amqp.Delivery) error {
	return raw.Nack(false, c.requeue)
}

// Publish sends the command's message(s), waiting for broker confirmation
// when the command requires it.
func (c *Client) Publish(ctx context.Context, cmd contracts.PublishCommand) error {
	if c.isClosed() {
		return contracts.ErrClientStopped
	}

	payloads := cmd.BatchPayloads
	if !cmd.Batch {
		payloads = [][]byte{cmd.Payload}
	}

	headers := amqp.Table{}
	for k, v := range cmd.Headers {
		headers[k] = v
	}

	for _, payload := range payloads {
		pub := amqp.Publishing{
			ContentType:   "application/octet-stream",
			Body:          payload,
			Headers:       headers,
			CorrelationId: cmd.CorrelationID,
			ReplyTo:       cmd.ReplyTo,
			DeliveryMode:  amqp.Persistent,
		}
		confirm, err := c.conn.PublishWithDeferredConfirmWithContext(
			ctx, c.exchange, cmd.Destination, false, false, pub)
		if err != nil {
			return contracts.Transient(fmt.Errorf("rabbitmq: publish to %q: %w", cmd.Destination, err))
		}
		if cmd.AwaitConfirm && confirm != nil {
			acked, err := confirm.WaitContext(ctx)
			if err != nil {
				return err
			}
			if !acked {
				return contracts.Transient(fmt.Errorf("rabbitmq: broker rejected publish to %q", cmd.Destination))
			}
		}
	}
	return nil
}

// Close releases the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.connBase.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// nextQueue rotates through the bound queues so a multi-queue subscription
// is drained fairly.
func (c *Client) nextQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[c.next%len(c.queues)]
	c.next++
	return q
}

// fetchError classifies a get failure: a closed channel or connection is
// terminal, anything else is transient.
func (c *Client) fetchError(err error) error {
	if c.isClosed() || c.connBase.IsClosed() {
		return contracts.ErrClientStopped
	}
	return contracts.Transient(fmt.Errorf("rabbitmq: fetch: %w", err))
}

// Parser extracts envelopes from AMQP deliveries.
type Parser struct{}

// Parse implements messaging.Parser.
func (Parser) Parse(raw amqp.Delivery) (*contracts.Envelope[amqp.Delivery], error) {
	headers := make(map[string]string, len(raw.Headers))
	for k, v := range raw.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	return &contracts.Envelope[amqp.Delivery]{
		Raw:           raw,
		Payload:       raw.Body,
		Headers:       headers,
		CorrelationID: raw.CorrelationId,
		ReplyTo:       raw.ReplyTo,
		MessageID:     raw.MessageId,
	}, nil
}

// ParseBatch implements messaging.Parser. Headers, correlation id, and
// reply-to come from the first delivery of the batch.
func (p Parser) ParseBatch(raws []amqp.Delivery) (*contracts.Envelope[amqp.Delivery], error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("rabbitmq: empty batch")
	}
	first, err := p.Parse(raws[0])
	if err != nil {
		return nil, err
	}

	env := &contracts.Envelope[amqp.Delivery]{
		RawBatch:      raws,
		BatchPayloads: make([][]byte, 0, len(raws)),
		Headers:       first.Headers,
		CorrelationID: first.CorrelationID,
		ReplyTo:       first.ReplyTo,
		MessageID:     first.MessageID,
	}
	for _, raw := range raws {
		env.BatchPayloads = append(env.BatchPayloads, raw.Body)
	}
	return env, nil
}
