// Package kafka adapts Apache Kafka to the engine's broker client capability
// using segmentio/kafka-go.
//
// One kafka.Writer is shared across all publishes; a kafka.Reader backs the
// fetch side. Ack commits the consumer offset; Nack is a no-op, so an
// uncommitted message is redelivered after rebalance or restart.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/meshmq/meshmq/contracts"
	"github.com/meshmq/meshmq/messaging"
)

// Config describes one Kafka client.
type Config struct {
	// Brokers are the bootstrap addresses.
	Brokers []string
	// Topics are the subscription topics. Mutually exclusive with Partition
	// assignment.
	Topics []string
	// Group is the consumer group id. Without a group the reader consumes a
	// single topic/partition from StartOffset.
	Group string
	// Partition pins a single partition when no group is used.
	Partition int
	// StartOffset applies to group-less readers: kafka.FirstOffset or
	// kafka.LastOffset.
	StartOffset int64
	// MinBytes and MaxBytes bound fetch sizes.
	MinBytes int
	MaxBytes int
	// AutoCommit enables backend-level offset auto-commit, the adapter's
	// rendition of the ack-first policy.
	AutoCommit bool
	// CommitInterval is the auto-commit flush interval.
	CommitInterval time.Duration
}

// Client implements messaging.BrokerClient[kafka.Message].
type Client struct {
	reader *kafka.Reader
	writer *kafka.Writer

	mu     sync.Mutex
	closed bool
}

// Connect opens a Kafka client. The reader is only created when the config
// names topics or a partition; a publish-only client needs neither.
func Connect(cfg Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, contracts.NewSetupError("kafka: at least one broker address is required")
	}

	c := &Client{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}

	if len(cfg.Topics) > 0 {
		rc := kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.Group,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		}
		if rc.MaxBytes == 0 {
			rc.MaxBytes = 10 << 20
		}
		if cfg.Group != "" {
			rc.GroupTopics = cfg.Topics
			if cfg.AutoCommit {
				interval := cfg.CommitInterval
				if interval == 0 {
					interval = time.Second
				}
				rc.CommitInterval = interval
			}
		} else {
			if len(cfg.Topics) != 1 {
				c.writer.Close()
				return nil, contracts.NewSetupError("kafka: group-less readers take exactly one topic")
			}
			rc.Topic = cfg.Topics[0]
			rc.Partition = cfg.Partition
			rc.StartOffset = cfg.StartOffset
		}
		c.reader = kafka.NewReader(rc)
	}

	return c, nil
}

// Factory returns a client factory for the engine.
func Factory(cfg Config) messaging.ClientFactory[kafka.Message] {
	return func(ctx context.Context) (messaging.BrokerClient[kafka.Message], error) {
		return Connect(cfg)
	}
}

// FetchOne returns the next message, or ok=false when none arrived within
// the timeout.
func (c *Client) FetchOne(ctx context.Context, timeout time.Duration) (kafka.Message, bool, error) {
	if c.reader == nil {
		return kafka.Message{}, false, contracts.NewSetupError("kafka: client has no subscription")
	}
	if c.isClosed() {
		return kafka.Message{}, false, contracts.ErrClientStopped
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return kafka.Message{}, false, nil
		}
		return kafka.Message{}, false, c.fetchError(ctx, err)
	}
	return msg, true, nil
}

// FetchMany returns up to max messages, waiting at most timeout for the
// first one and draining whatever else arrives before the deadline.
func (c *Client) FetchMany(ctx context.Context, timeout time.Duration, max int) ([]kafka.Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(timeout)

	var out []kafka.Message
	for len(out) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, ok, err := c.FetchOne(ctx, remaining)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ack commits the message offset. Without a consumer group there is nothing
// to commit.
func (c *Client) Ack(ctx context.Context, raw kafka.Message) error {
	if c.reader == nil || c.reader.Config().GroupID == "" {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, raw); err != nil {
		return contracts.Transient(fmt.Errorf("kafka: commit offset: %w", err))
	}
	return nil
}

// Nack is a no-op: an uncommitted offset is Kafka's negative acknowledgment.
func (c *Client) Nack(ctx context.Context, raw kafka.Message) error {
	return nil
}

// Publish writes the command's message(s) through the shared writer.
func (c *Client) Publish(ctx context.Context, cmd contracts.PublishCommand) error {
	if c.isClosed() {
		return contracts.ErrClientStopped
	}

	var msgs []kafka.Message
	if cmd.Batch {
		msgs = make([]kafka.Message, 0, len(cmd.BatchPayloads))
		for _, payload := range cmd.BatchPayloads {
			msgs = append(msgs, c.toMessage(cmd, payload, nil))
		}
	} else {
		msgs = []kafka.Message{c.toMessage(cmd, cmd.Payload, cmd.Key)}
	}

	if err := c.writer.WriteMessages(ctx, msgs...); err != nil {
		return contracts.Transient(fmt.Errorf("kafka: publish to %q: %w", cmd.Destination, err))
	}
	return nil
}

// Close stops the reader and flushes the writer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) toMessage(cmd contracts.PublishCommand, payload, key []byte) kafka.Message {
	headers := make([]kafka.Header, 0, len(cmd.Headers)+2)
	for k, v := range cmd.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{
		Key:   contracts.HeaderCorrelationID,
		Value: []byte(cmd.CorrelationID),
	})
	if cmd.ReplyTo != "" {
		headers = append(headers, kafka.Header{
			Key:   contracts.HeaderReplyTo,
			Value: []byte(cmd.ReplyTo),
		})
	}

	return kafka.Message{
		Topic:   cmd.Destination,
		Key:     key,
		Value:   payload,
		Headers: headers,
	}
}

// fetchError classifies a reader failure: a closed reader or cancelled
// context is terminal, anything else is transient.
func (c *Client) fetchError(ctx context.Context, err error) error {
	if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return contracts.ErrClientStopped
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return contracts.Transient(fmt.Errorf("kafka: fetch: %w", err))
}

// Parser extracts envelopes from Kafka messages.
type Parser struct{}

// Parse implements messaging.Parser.
func (Parser) Parse(raw kafka.Message) (*contracts.Envelope[kafka.Message], error) {
	env := &contracts.Envelope[kafka.Message]{
		Raw:       raw,
		Payload:   raw.Value,
		Headers:   make(map[string]string, len(raw.Headers)),
		MessageID: raw.Topic + "-" + strconv.Itoa(raw.Partition) + "-" + strconv.FormatInt(raw.Offset, 10),
	}
	for _, h := range raw.Headers {
		env.Headers[h.Key] = string(h.Value)
	}
	env.CorrelationID = env.Headers[contracts.HeaderCorrelationID]
	env.ReplyTo = env.Headers[contracts.HeaderReplyTo]
	return env, nil
}

// ParseBatch implements messaging.Parser. Headers, correlation id, and
// reply-to come from the first message of the batch.
func (p Parser) ParseBatch(raws []kafka.Message) (*contracts.Envelope[kafka.Message], error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("kafka: empty batch")
	}
	first, err := p.Parse(raws[0])
	if err != nil {
		return nil, err
	}

	env := &contracts.Envelope[kafka.Message]{
		RawBatch:      raws,
		BatchPayloads: make([][]byte, 0, len(raws)),
		Headers:       first.Headers,
		CorrelationID: first.CorrelationID,
		ReplyTo:       first.ReplyTo,
		MessageID:     first.MessageID,
	}
	for _, raw := range raws {
		env.BatchPayloads = append(env.BatchPayloads, raw.Value)
	}
	return env, nil
}
