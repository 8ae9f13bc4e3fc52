// Package nats adapts NATS JetStream to the engine's broker client
// capability using nats-io/nats.go.
//
// Connect creates or updates one stream covering the configured subjects and
// a durable pull consumer on it. Fetches use the pull API so the engine's
// polling loop stays in control; Ack and Nak map to the JetStream primitives.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meshmq/meshmq/contracts"
	"github.com/meshmq/meshmq/messaging"
)

// Config describes one JetStream client.
type Config struct {
	// URL is a standard NATS URL (nats://host:port).
	URL string
	// Subjects are the subscription subjects. Empty for publish-only clients.
	Subjects []string
	// Durable names the pull consumer. Defaults to a name derived from the
	// stream.
	Durable string
	// Stream names the stream. Defaults to a name derived from the first
	// subject.
	Stream string
	// AckWait is the server-side redelivery window.
	AckWait time.Duration
	// MaxDeliver bounds redeliveries.
	MaxDeliver int
}

// Client implements messaging.BrokerClient[jetstream.Msg].
type Client struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer

	mu     sync.Mutex
	closed bool
}

// Connect opens a NATS connection and, when subjects are configured, creates
// or updates the stream and durable consumer.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, contracts.NewSetupError("nats: broker URL is required")
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats: connect to %q: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	c := &Client{conn: nc, js: js}

	if len(cfg.Subjects) > 0 {
		streamName := cfg.Stream
		if streamName == "" {
			streamName = sanitizeStreamName(cfg.Subjects[0])
		}
		stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: cfg.Subjects,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats: create stream %q: %w", streamName, err)
		}

		durable := cfg.Durable
		if durable == "" {
			durable = "meshmq-" + streamName
		}
		ackWait := cfg.AckWait
		if ackWait == 0 {
			ackWait = 30 * time.Second
		}
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:    durable,
			AckPolicy:  jetstream.AckExplicitPolicy,
			AckWait:    ackWait,
			MaxDeliver: cfg.MaxDeliver,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats: create consumer %q: %w", durable, err)
		}
		c.consumer = cons
	}

	return c, nil
}

// Factory returns a client factory for the engine.
func Factory(cfg Config) messaging.ClientFactory[jetstream.Msg] {
	return func(ctx context.Context) (messaging.BrokerClient[jetstream.Msg], error) {
		return Connect(ctx, cfg)
	}
}

// FetchOne pulls the next message, or ok=false when none arrived within the
// timeout.
func (c *Client) FetchOne(ctx context.Context, timeout time.Duration) (jetstream.Msg, bool, error) {
	msgs, err := c.FetchMany(ctx, timeout, 1)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	return msgs[0], true, nil
}

// FetchMany pulls up to max messages within the timeout.
func (c *Client) FetchMany(ctx context.Context, timeout time.Duration, max int) ([]jetstream.Msg, error) {
	if c.consumer == nil {
		return nil, contracts.NewSetupError("nats: client has no subscription")
	}
	if c.isClosed() {
		return nil, contracts.ErrClientStopped
	}
	if max <= 0 {
		max = 1
	}

	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, c.fetchError(err)
	}

	var out []jetstream.Msg
	for msg := range batch.Messages() {
		out = append(out, msg)
	}
	if err := batch.Error(); err != nil && len(out) == 0 {
		return nil, c.fetchError(err)
	}
	return out, nil
}

// Ack acknowledges the message.
func (c *Client) Ack(ctx context.Context, raw jetstream.Msg) error {
	return raw.Ack()
}

// Nack requests server-side redelivery.
func (c *Client) Nack(ctx context.Context, raw jetstream.Msg) error {
	return raw.Nak()
}

// Publish sends the command's message(s) via JetStream.
func (c *Client) Publish(ctx context.Context, cmd contracts.PublishCommand) error {
	if c.isClosed() {
		return contracts.ErrClientStopped
	}

	payloads := cmd.BatchPayloads
	if !cmd.Batch {
		payloads = [][]byte{cmd.Payload}
	}

	for _, payload := range payloads {
		msg := &nats.Msg{
			Subject: cmd.Destination,
			Data:    payload,
			Header:  toHeader(cmd),
		}
		if cmd.AwaitConfirm {
			if _, err := c.js.PublishMsg(ctx, msg); err != nil {
				return contracts.Transient(fmt.Errorf("nats: publish to %q: %w", cmd.Destination, err))
			}
			continue
		}
		if _, err := c.js.PublishMsgAsync(msg); err != nil {
			return contracts.Transient(fmt.Errorf("nats: publish to %q: %w", cmd.Destination, err))
		}
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.Close()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fetchError classifies a pull failure: timeouts are benign empties upstream,
// a closed connection is terminal, everything else is transient.
func (c *Client) fetchError(err error) error {
	if c.isClosed() || errors.Is(err, nats.ErrConnectionClosed) {
		return contracts.ErrClientStopped
	}
	return contracts.Transient(fmt.Errorf("nats: fetch: %w", err))
}

func toHeader(cmd contracts.PublishCommand) nats.Header {
	header := nats.Header{}
	for k, v := range cmd.Headers {
		header.Set(k, v)
	}
	header.Set(contracts.HeaderCorrelationID, cmd.CorrelationID)
	if cmd.ReplyTo != "" {
		header.Set(contracts.HeaderReplyTo, cmd.ReplyTo)
	}
	return header
}

// sanitizeStreamName converts a subject pattern to a valid stream name.
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>':
			return '-'
		default:
			return r
		}
	}, subject)
}

// Parser extracts envelopes from JetStream messages.
type Parser struct{}

// Parse implements messaging.Parser.
func (Parser) Parse(raw jetstream.Msg) (*contracts.Envelope[jetstream.Msg], error) {
	headers := make(map[string]string)
	for k, vs := range raw.Headers() {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	env := &contracts.Envelope[jetstream.Msg]{
		Raw:           raw,
		Payload:       raw.Data(),
		Headers:       headers,
		CorrelationID: headers[contracts.HeaderCorrelationID],
		ReplyTo:       headers[contracts.HeaderReplyTo],
	}
	if meta, err := raw.Metadata(); err == nil {
		env.MessageID = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
	}
	return env, nil
}

// ParseBatch implements messaging.Parser. Headers, correlation id, and
// reply-to come from the first message of the batch.
func (p Parser) ParseBatch(raws []jetstream.Msg) (*contracts.Envelope[jetstream.Msg], error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("nats: empty batch")
	}
	first, err := p.Parse(raws[0])
	if err != nil {
		return nil, err
	}

	env := &contracts.Envelope[jetstream.Msg]{
		RawBatch:      raws,
		BatchPayloads: make([][]byte, 0, len(raws)),
		Headers:       first.Headers,
		CorrelationID: first.CorrelationID,
		ReplyTo:       first.ReplyTo,
		MessageID:     first.MessageID,
	}
	for _, raw := range raws {
		env.BatchPayloads = append(env.BatchPayloads, raw.Data())
	}
	return env, nil
}
