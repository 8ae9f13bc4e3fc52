package messaging

import (
	"log/slog"
	"maps"

	"context"

	"github.com/google/uuid"
	"github.com/meshmq/meshmq/contracts"
	"github.com/meshmq/meshmq/internal/reliability"
)

type publisherConfig struct {
	headers      map[string]string
	key          []byte
	partition    int
	replyTo      string
	batch        bool
	retryPolicy  reliability.RetryPolicy
	breaker      *reliability.CircuitBreaker
	logger       *slog.Logger
	awaitConfirm bool
}

// PublisherOption configures a publisher at construction.
type PublisherOption func(*publisherConfig)

// WithDefaultHeaders sets headers attached to every command. Caller-supplied
// headers win on conflict.
func WithDefaultHeaders(headers map[string]string) PublisherOption {
	return func(c *publisherConfig) {
		c.headers = headers
	}
}

// WithPublisherKey sets the default partitioning key.
func WithPublisherKey(key []byte) PublisherOption {
	return func(c *publisherConfig) {
		c.key = key
	}
}

// WithPublisherPartition pins the default partition.
func WithPublisherPartition(partition int) PublisherOption {
	return func(c *publisherConfig) {
		c.partition = partition
	}
}

// WithPublisherReplyTo sets the default reply destination.
func WithPublisherReplyTo(replyTo string) PublisherOption {
	return func(c *publisherConfig) {
		c.replyTo = replyTo
	}
}

// WithBatchMode declares a batch publisher. Batch publishers cannot carry a
// partitioning key; key-bearing backends forbid the combination.
func WithBatchMode() PublisherOption {
	return func(c *publisherConfig) {
		c.batch = true
	}
}

// WithPublishRetry sets the retry policy applied around sends.
func WithPublishRetry(policy reliability.RetryPolicy) PublisherOption {
	return func(c *publisherConfig) {
		c.retryPolicy = policy
	}
}

// WithPublisherBreaker sets the circuit breaker applied around sends.
func WithPublisherBreaker(breaker *reliability.CircuitBreaker) PublisherOption {
	return func(c *publisherConfig) {
		c.breaker = breaker
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *publisherConfig) {
		c.logger = logger
	}
}

// WithoutConfirm makes sends fire-and-forget by default.
func WithoutConfirm() PublisherOption {
	return func(c *publisherConfig) {
		c.awaitConfirm = false
	}
}

// publishOptions collects per-call overrides.
type publishOptions struct {
	headers       map[string]string
	correlationID string
	replyTo       string
	key           []byte
	partition     *int
	noConfirm     bool
}

// PublishOption configures one publish call.
type PublishOption func(*publishOptions)

// WithPublishHeaders merges per-call headers over the publisher defaults.
func WithPublishHeaders(headers map[string]string) PublishOption {
	return func(o *publishOptions) {
		o.headers = headers
	}
}

// WithPublishCorrelationID sets the correlation id, suppressing generation.
func WithPublishCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithPublishReplyTo sets the reply destination for this call.
func WithPublishReplyTo(replyTo string) PublishOption {
	return func(o *publishOptions) {
		o.replyTo = replyTo
	}
}

// WithPublishKey sets the partitioning key for this call.
func WithPublishKey(key []byte) PublishOption {
	return func(o *publishOptions) {
		o.key = key
	}
}

// WithPublishPartition pins the partition for this call.
func WithPublishPartition(partition int) PublishOption {
	return func(o *publishOptions) {
		o.partition = &partition
	}
}

// WithPublishNoConfirm makes this call fire-and-forget.
func WithPublishNoConfirm() PublishOption {
	return func(o *publishOptions) {
		o.noConfirm = true
	}
}

// Publisher builds publish commands for one destination and sends them
// through the broker client. A fresh immutable command is built per call.
type Publisher[T any] struct {
	client       BrokerClient[T]
	topic        string
	headers      map[string]string
	key          []byte
	partition    int
	replyTo      string
	batch        bool
	awaitConfirm bool
	retryPolicy  reliability.RetryPolicy
	breaker      *reliability.CircuitBreaker
	logger       *slog.Logger
}

// NewPublisher validates the configuration and returns a publisher bound to
// topic. A batch publisher with a partitioning key is a configuration error.
func NewPublisher[T any](client BrokerClient[T], topic string, options ...PublisherOption) (*Publisher[T], error) {
	if client == nil {
		return nil, contracts.NewSetupError("broker client is required")
	}
	if topic == "" {
		return nil, contracts.NewSetupError("destination cannot be empty")
	}

	cfg := publisherConfig{
		partition:    -1,
		logger:       slog.Default(),
		awaitConfirm: true,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.batch && len(cfg.key) > 0 {
		return nil, contracts.NewSetupError("batch publishing cannot carry a partitioning key")
	}

	return &Publisher[T]{
		client:       client,
		topic:        topic,
		headers:      cfg.headers,
		key:          cfg.key,
		partition:    cfg.partition,
		replyTo:      cfg.replyTo,
		batch:        cfg.batch,
		awaitConfirm: cfg.awaitConfirm,
		retryPolicy:  cfg.retryPolicy,
		breaker:      cfg.breaker,
		logger:       cfg.logger,
	}, nil
}

// newReplyPublisher builds the degenerate publisher used to answer one
// envelope's reply-to destination. It carries no retry or breaker state and
// is not persisted.
func newReplyPublisher[T any](client BrokerClient[T], dest string, logger *slog.Logger) (*Publisher[T], error) {
	return NewPublisher(client, dest, WithPublisherLogger(logger), WithoutConfirm())
}

// Topic returns the bound destination.
func (p *Publisher[T]) Topic() string { return p.topic }

// AddPrefix rewrites the destination name with the prefix.
func (p *Publisher[T]) AddPrefix(prefix string) {
	p.topic = prefix + p.topic
}

// Publish sends one message. Caller headers win over the publisher defaults
// and a correlation id is generated when none is supplied.
func (p *Publisher[T]) Publish(ctx context.Context, payload []byte, options ...PublishOption) error {
	cmd := p.buildCommand(payload, nil, options)
	return p.send(ctx, cmd)
}

// PublishBatch sends an ordered sequence of messages to the bound
// destination as one command. A partitioning key combined with a batch send
// is a configuration error raised before any send occurs.
func (p *Publisher[T]) PublishBatch(ctx context.Context, payloads [][]byte, options ...PublishOption) error {
	if len(payloads) == 0 {
		return nil
	}
	cmd := p.buildCommand(nil, payloads, options)
	if len(cmd.Key) > 0 {
		return contracts.NewSetupError("batch publishing cannot carry a partitioning key")
	}
	return p.send(ctx, cmd)
}

// buildCommand resolves per-call options against the publisher defaults into
// one immutable command.
func (p *Publisher[T]) buildCommand(payload []byte, payloads [][]byte, options []PublishOption) contracts.PublishCommand {
	var opts publishOptions
	for _, opt := range options {
		opt(&opts)
	}

	headers := make(map[string]string, len(p.headers)+len(opts.headers))
	maps.Copy(headers, p.headers)
	maps.Copy(headers, opts.headers)

	correlationID := opts.correlationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	key := opts.key
	if key == nil {
		key = p.key
	}
	partition := p.partition
	if opts.partition != nil {
		partition = *opts.partition
	}
	replyTo := opts.replyTo
	if replyTo == "" {
		replyTo = p.replyTo
	}

	return contracts.PublishCommand{
		Destination:   p.topic,
		Payload:       payload,
		BatchPayloads: payloads,
		Batch:         payloads != nil,
		Headers:       headers,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		Key:           key,
		Partition:     partition,
		AwaitConfirm:  p.awaitConfirm && !opts.noConfirm,
	}
}

// send pushes the command through the configured breaker and retry policy.
func (p *Publisher[T]) send(ctx context.Context, cmd contracts.PublishCommand) error {
	publish := func() error {
		return p.client.Publish(ctx, cmd)
	}
	if p.breaker != nil {
		inner := publish
		publish = func() error {
			return p.breaker.Execute(ctx, inner)
		}
	}

	var err error
	if p.retryPolicy != nil {
		err = reliability.Retry(ctx, p.retryPolicy, publish)
	} else {
		err = publish()
	}
	if err != nil {
		p.logger.Error("failed to publish",
			"destination", cmd.Destination,
			"correlationId", cmd.CorrelationID,
			"batch", cmd.Batch,
			"error", err,
		)
		return err
	}

	p.logger.Debug("published",
		"destination", cmd.Destination,
		"correlationId", cmd.CorrelationID,
		"batch", cmd.Batch,
	)
	return nil
}
