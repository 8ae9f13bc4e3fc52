package messaging

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/meshmq/meshmq/contracts"
)

// Handler processes one inbound envelope. A returned error is a handler
// failure for acknowledgment-policy purposes; it never crashes the loop.
type Handler[T any] func(ctx context.Context, msg *contracts.Envelope[T]) error

// RequestHandler processes one inbound envelope and produces the payload of
// the reply published to the envelope's reply-to destination.
type RequestHandler[T any] func(ctx context.Context, msg *contracts.Envelope[T]) ([]byte, error)

// Mode selects the subscriber variant. It is derived once at construction
// from the batch and concurrency settings.
type Mode int

const (
	// ModeDefault fetches and handles one message per cycle, sequentially.
	ModeDefault Mode = iota
	// ModeBatch fetches an ordered batch per cycle and handles it as a unit.
	ModeBatch
	// ModeConcurrent decouples the fetch loop from a bounded worker pool.
	ModeConcurrent
)

// Assignment pins a subscriber to an explicit partition and offset instead of
// a name-based subscription.
type Assignment struct {
	Topic     string
	Partition int
	Offset    int64
}

const (
	defaultPollInterval  = 1 * time.Second
	defaultRetryInterval = 5 * time.Second
	defaultMaxRecords    = 100
)

type subscriberConfig struct {
	topics        []string
	assignments   []Assignment
	policy        AckPolicy
	autoAck       *bool
	noAck         *bool
	batch         bool
	maxRecords    int
	concurrency   int
	pollInterval  time.Duration
	retryInterval time.Duration
	decoder       Decoder
	logger        *slog.Logger
	noReply       bool
}

// SubscriberOption configures a subscriber at construction.
type SubscriberOption func(*subscriberConfig)

// WithTopics sets the destination names to consume from. Mutually exclusive
// with WithAssignments.
func WithTopics(topics ...string) SubscriberOption {
	return func(c *subscriberConfig) {
		c.topics = topics
	}
}

// WithAssignments pins explicit partition/offset assignments. Mutually
// exclusive with WithTopics.
func WithAssignments(assignments ...Assignment) SubscriberOption {
	return func(c *subscriberConfig) {
		c.assignments = assignments
	}
}

// WithAckPolicy selects the acknowledgment policy.
func WithAckPolicy(policy AckPolicy) SubscriberOption {
	return func(c *subscriberConfig) {
		c.policy = policy
	}
}

// WithAutoAck is the deprecated auto-commit toggle. It maps to AckFirst when
// true and RejectOnError when false, and cannot be combined with an explicit
// policy.
//
// Deprecated: use WithAckPolicy.
func WithAutoAck(autoAck bool) SubscriberOption {
	return func(c *subscriberConfig) {
		c.autoAck = &autoAck
	}
}

// WithNoAck is the deprecated no-acknowledgment toggle. It maps to DoNothing
// when true and cannot be combined with an explicit policy.
//
// Deprecated: use WithAckPolicy.
func WithNoAck(noAck bool) SubscriberOption {
	return func(c *subscriberConfig) {
		c.noAck = &noAck
	}
}

// WithBatch enables batch mode. Each fetch cycle returns up to maxRecords
// messages handled as one unit; maxRecords <= 0 uses the default bound.
func WithBatch(maxRecords int) SubscriberOption {
	return func(c *subscriberConfig) {
		c.batch = true
		if maxRecords > 0 {
			c.maxRecords = maxRecords
		}
	}
}

// WithConcurrency sets the fan-out worker count. Values above one insert a
// bounded queue between fetch and handler execution.
func WithConcurrency(n int) SubscriberOption {
	return func(c *subscriberConfig) {
		c.concurrency = n
	}
}

// WithPollInterval bounds each fetch call.
func WithPollInterval(d time.Duration) SubscriberOption {
	return func(c *subscriberConfig) {
		c.pollInterval = d
	}
}

// WithRetryInterval sets the fixed backoff applied after a transient fetch
// error.
func WithRetryInterval(d time.Duration) SubscriberOption {
	return func(c *subscriberConfig) {
		c.retryInterval = d
	}
}

// WithDecoder replaces the default JSON decoder.
func WithDecoder(d Decoder) SubscriberOption {
	return func(c *subscriberConfig) {
		c.decoder = d
	}
}

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(c *subscriberConfig) {
		c.logger = logger
	}
}

// WithNoReply disables automatic reply publishing for request handlers.
func WithNoReply() SubscriberOption {
	return func(c *subscriberConfig) {
		c.noReply = true
	}
}

// Subscriber owns the consumption lifecycle for one set of destinations:
// setup binds a client factory, Start opens the client and launches the
// consumption loop when a handler is registered, Close cancels the loop and
// releases the client. Construction performs no I/O.
//
// One concrete implementation covers all three modes; the mode is a tagged
// variant selected and validated once at construction.
type Subscriber[T any] struct {
	mode          Mode
	policy        AckPolicy
	maxRecords    int
	concurrency   int
	pollInterval  time.Duration
	retryInterval time.Duration
	noReply       bool

	parser  Parser[T]
	decoder Decoder
	logger  *slog.Logger

	mu          sync.Mutex
	topics      []string
	assignments []Assignment
	factory     ClientFactory[T]
	client      BrokerClient[T]
	handler     Handler[T]
	middlewares []Middleware[T]
	invoke      Handler[T]
	started     bool
	closed      bool
	cancel      context.CancelFunc
	queue       chan dispatchJob[T]
	wg          sync.WaitGroup
}

type dispatchJob[T any] struct {
	env      *contracts.Envelope[T]
	parseErr error
}

// NewSubscriber validates the configuration and returns an idle subscriber.
// Conflicting acknowledgment settings, missing destination bindings, and
// batch combined with fan-out are configuration errors.
func NewSubscriber[T any](parser Parser[T], options ...SubscriberOption) (*Subscriber[T], error) {
	if parser == nil {
		return nil, contracts.NewSetupError("parser is required")
	}

	cfg := subscriberConfig{
		maxRecords:    defaultMaxRecords,
		pollInterval:  defaultPollInterval,
		retryInterval: defaultRetryInterval,
		decoder:       JSONDecoder,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if len(cfg.topics) == 0 && len(cfg.assignments) == 0 {
		return nil, contracts.NewSetupError("a topic list or a partition assignment is required")
	}
	if len(cfg.topics) > 0 && len(cfg.assignments) > 0 {
		return nil, contracts.NewSetupError("topics and partition assignments are mutually exclusive")
	}

	policy, err := resolveAckPolicy(cfg.policy, cfg.autoAck, cfg.noAck)
	if err != nil {
		return nil, err
	}

	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	if cfg.batch && cfg.concurrency > 1 {
		return nil, contracts.NewSetupError("batch mode cannot be combined with fan-out workers")
	}

	mode := ModeDefault
	switch {
	case cfg.batch:
		mode = ModeBatch
	case cfg.concurrency > 1:
		mode = ModeConcurrent
	}

	return &Subscriber[T]{
		mode:          mode,
		policy:        policy,
		maxRecords:    cfg.maxRecords,
		concurrency:   cfg.concurrency,
		pollInterval:  cfg.pollInterval,
		retryInterval: cfg.retryInterval,
		noReply:       cfg.noReply,
		parser:        parser,
		decoder:       cfg.decoder,
		logger:        cfg.logger,
		topics:        cfg.topics,
		assignments:   cfg.assignments,
	}, nil
}

// Mode returns the variant selected at construction.
func (s *Subscriber[T]) Mode() Mode { return s.mode }

// Policy returns the resolved acknowledgment policy.
func (s *Subscriber[T]) Policy() AckPolicy { return s.policy }

// Topics returns the current destination names.
func (s *Subscriber[T]) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.topics) > 0 {
		out := make([]string, len(s.topics))
		copy(out, s.topics)
		return out
	}
	out := make([]string, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a.Topic)
	}
	return out
}

// AddPrefix rewrites all declared destination names with the prefix. It is
// only valid before Start and is a no-op for an empty prefix.
func (s *Subscriber[T]) AddPrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return contracts.ErrAlreadyStarted
	}
	if prefix == "" {
		return nil
	}
	for i, t := range s.topics {
		s.topics[i] = prefix + t
	}
	for i, a := range s.assignments {
		s.assignments[i].Topic = prefix + a.Topic
	}
	return nil
}

// Handle registers the message handler. A subscriber accepts exactly one
// handler, registered before Start.
func (s *Subscriber[T]) Handle(h Handler[T]) error {
	if h == nil {
		return contracts.NewSetupError("handler cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return contracts.ErrAlreadyStarted
	}
	if s.handler != nil {
		return contracts.NewSetupError("handler already registered")
	}
	s.handler = h
	return nil
}

// HandleRequest registers a reply-producing handler. On success the returned
// payload is published to the envelope's reply-to destination with the same
// correlation id, through a publisher constructed per envelope. WithNoReply
// suppresses the response publishing.
func (s *Subscriber[T]) HandleRequest(h RequestHandler[T]) error {
	if h == nil {
		return contracts.NewSetupError("handler cannot be nil")
	}
	return s.Handle(func(ctx context.Context, msg *contracts.Envelope[T]) error {
		payload, err := h(ctx, msg)
		if err != nil {
			return err
		}
		if s.noReply || msg.ReplyTo == "" {
			return nil
		}
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		pub, err := newReplyPublisher(client, msg.ReplyTo, s.logger)
		if err != nil {
			return err
		}
		return pub.Publish(ctx, payload, WithPublishCorrelationID(msg.CorrelationID))
	})
}

// Use appends middleware around the registered handler, applied in order at
// Start.
func (s *Subscriber[T]) Use(mw ...Middleware[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw...)
}

// Setup binds the client factory. It must be called before Start.
func (s *Subscriber[T]) Setup(factory ClientFactory[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = factory
}

// Start opens the broker client and, when a handler is registered, launches
// the consumption loop. Restarting a closed subscriber is not supported.
func (s *Subscriber[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return contracts.ErrAlreadyStarted
	}
	if s.closed {
		return contracts.NewSetupError("subscriber is closed")
	}
	if s.factory == nil {
		return contracts.NewSetupError("no client factory bound; call Setup first")
	}

	client, err := s.factory(ctx)
	if err != nil {
		return err
	}
	s.client = client
	s.started = true

	if s.handler == nil {
		return nil
	}

	s.invoke = chainMiddleware(s.handler, s.middlewares...)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.mode == ModeConcurrent {
		s.queue = make(chan dispatchJob[T], s.concurrency)
		s.startWorkers(loopCtx)
	}

	s.wg.Add(1)
	go s.consume(loopCtx)

	s.logger.Info("subscriber started",
		"topics", strings.Join(s.topicNamesLocked(), ","),
		"mode", s.mode,
		"ackPolicy", s.policy.String(),
	)
	return nil
}

// Close signals the consumption loop to exit after the current cycle, waits
// for in-flight handler executions to finish, and releases the client.
func (s *Subscriber[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	client := s.client
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if client != nil {
		if err := client.Close(); err != nil {
			return err
		}
	}
	s.logger.Info("subscriber closed")
	return nil
}

// GetOne fetches, parses, and decodes a single message outside the
// consumption loop. It returns nil without error when nothing arrived within
// the timeout. The caller owns any acknowledgment. GetOne cannot be combined
// with a registered handler.
func (s *Subscriber[T]) GetOne(ctx context.Context, timeout time.Duration) (*contracts.Envelope[T], error) {
	client, err := s.pullClient()
	if err != nil {
		return nil, err
	}

	raw, ok, err := client.FetchOne(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	env, perr := s.buildEnvelope(client, []T{raw})
	if perr != nil {
		return nil, perr
	}
	if err := decodeEnvelope(env, s.decoder); err != nil {
		return nil, err
	}
	return env, nil
}

// Iter returns an iterator over inbound envelopes, fetching directly from
// the broker client. Transient fetch errors back off and retry; the sequence
// ends on terminal errors or context cancellation. The caller owns any
// acknowledgment. Iter cannot be combined with a registered handler.
func (s *Subscriber[T]) Iter(ctx context.Context) (iter.Seq[*contracts.Envelope[T]], error) {
	client, err := s.pullClient()
	if err != nil {
		return nil, err
	}

	return func(yield func(*contracts.Envelope[T]) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			raw, ok, err := client.FetchOne(ctx, s.pollInterval)
			switch {
			case err == nil:
			case errors.Is(err, contracts.ErrClientStopped):
				return
			case ctx.Err() != nil:
				return
			default:
				if !sleepCtx(ctx, s.retryInterval) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			env, perr := s.buildEnvelope(client, []T{raw})
			if perr != nil {
				s.logger.Error("failed to parse message", "error", perr)
				continue
			}
			if err := decodeEnvelope(env, s.decoder); err != nil {
				s.logger.Error("failed to decode message", "error", err)
				continue
			}
			if !yield(env) {
				return
			}
		}
	}, nil
}

// pullClient validates pull-style access: the subscriber must be started and
// must not have a registered handler.
func (s *Subscriber[T]) pullClient() (BrokerClient[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return nil, contracts.ErrHandlersRegistered
	}
	if s.client == nil {
		return nil, contracts.ErrNotStarted
	}
	return s.client, nil
}

// consume is the consumption loop: fetch, parse, dispatch, acknowledge.
// Transient fetch errors put the loop into a degraded state with a fixed
// backoff; a later successful fetch recovers silently. Terminal errors exit
// the loop cleanly.
func (s *Subscriber[T]) consume(ctx context.Context) {
	defer s.wg.Done()
	if s.queue != nil {
		defer close(s.queue)
	}

	degraded := false
	for {
		if ctx.Err() != nil {
			return
		}

		raws, err := s.fetch(ctx)
		switch {
		case err == nil:
		case errors.Is(err, contracts.ErrClientStopped):
			s.logger.Info("broker client stopped, exiting consume loop")
			return
		case ctx.Err() != nil:
			return
		default:
			if !degraded {
				degraded = true
				s.logger.Warn("broker fetch failed, entering degraded state", "error", err)
			}
			if !sleepCtx(ctx, s.retryInterval) {
				return
			}
			continue
		}

		if degraded {
			degraded = false
			s.logger.Info("broker fetch recovered")
		}
		if len(raws) == 0 {
			continue
		}

		env, perr := s.buildEnvelope(s.client, raws)
		if s.queue != nil {
			select {
			case s.queue <- dispatchJob[T]{env: env, parseErr: perr}:
			case <-ctx.Done():
				return
			}
			continue
		}
		s.dispatch(ctx, env, perr)
	}
}

// fetch performs one fetch cycle in the configured mode. A nil slice without
// error is a benign empty result.
func (s *Subscriber[T]) fetch(ctx context.Context) ([]T, error) {
	if s.mode == ModeBatch {
		return s.client.FetchMany(ctx, s.pollInterval, s.maxRecords)
	}
	raw, ok, err := s.client.FetchOne(ctx, s.pollInterval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []T{raw}, nil
}

// buildEnvelope parses one fetch result and binds the acknowledgment
// callbacks. Even on parse failure a bare envelope wrapping the raw
// message(s) is returned so the acknowledgment policy can still apply.
func (s *Subscriber[T]) buildEnvelope(client BrokerClient[T], raws []T) (*contracts.Envelope[T], error) {
	if s.mode == ModeBatch {
		env, err := s.parser.ParseBatch(raws)
		if env == nil {
			env = &contracts.Envelope[T]{RawBatch: raws}
		}
		env.SetAcker(&batchAcker[T]{client: client, raws: raws})
		return env, err
	}

	env, err := s.parser.Parse(raws[0])
	if env == nil {
		env = &contracts.Envelope[T]{Raw: raws[0]}
	}
	env.SetAcker(&clientAcker[T]{client: client, raw: raws[0]})
	return env, err
}

// dispatch runs the acknowledgment-policy hooks around one handler
// invocation. Parse and decode failures take the handler-failure path.
func (s *Subscriber[T]) dispatch(ctx context.Context, env *contracts.Envelope[T], parseErr error) {
	if s.policy.preHandle() == decideAck {
		if err := env.Ack(ctx); err != nil {
			s.logger.Error("failed to ack message", "error", err)
		}
	}

	handlerErr := parseErr
	if handlerErr == nil {
		handlerErr = decodeEnvelope(env, s.decoder)
	}
	if handlerErr == nil {
		handlerErr = s.invoke(ctx, env)
	}
	if handlerErr != nil {
		s.logger.Error("handler failed",
			"messageId", env.MessageID,
			"correlationId", env.CorrelationID,
			"error", handlerErr,
		)
	}

	switch s.policy.postHandle(handlerErr) {
	case decideAck:
		if err := env.Ack(ctx); err != nil {
			s.logger.Error("failed to ack message", "messageId", env.MessageID, "error", err)
		}
	case decideNack:
		if err := env.Nack(ctx); err != nil {
			s.logger.Error("failed to nack message", "messageId", env.MessageID, "error", err)
		}
	case decideNone:
		if s.policy == DoNothing && env.State() == contracts.AckPending {
			_ = env.Skip()
		}
	}
}

func (s *Subscriber[T]) topicNamesLocked() []string {
	if len(s.topics) > 0 {
		return s.topics
	}
	names := make([]string, 0, len(s.assignments))
	for _, a := range s.assignments {
		names = append(names, a.Topic)
	}
	return names
}

// sleepCtx sleeps for d, returning false when the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
