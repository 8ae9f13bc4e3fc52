// Package meshmq is a broker-agnostic messaging engine: declare publishers
// and subscribers once and run them uniformly against Kafka, NATS JetStream,
// or an AMQP broker.
//
// The engine lives in the messaging package; backend adapters live under
// transports/. This package re-exports the core types for ergonomic usage:
//
//	sub, err := meshmq.NewSubscriber(kafka.Parser{},
//		meshmq.WithTopics("orders"),
//		meshmq.WithAckPolicy(meshmq.RejectOnError),
//	)
//	sub.Handle(func(ctx context.Context, msg *meshmq.Envelope[kafka.Message]) error { ... })
//	sub.Setup(kafka.Factory(cfg))
//	err = sub.Start(ctx)
package meshmq

import (
	"github.com/meshmq/meshmq/contracts"
	"github.com/meshmq/meshmq/messaging"
)

// Core types, re-exported.
type (
	Envelope[T any]       = contracts.Envelope[T]
	PublishCommand        = contracts.PublishCommand
	AckState              = contracts.AckState
	AckPolicy             = messaging.AckPolicy
	Subscriber[T any]     = messaging.Subscriber[T]
	Publisher[T any]      = messaging.Publisher[T]
	RequestClient[T any]  = messaging.RequestClient[T]
	BrokerClient[T any]   = messaging.BrokerClient[T]
	ClientFactory[T any]  = messaging.ClientFactory[T]
	Parser[T any]         = messaging.Parser[T]
	Handler[T any]        = messaging.Handler[T]
	RequestHandler[T any] = messaging.RequestHandler[T]
	Middleware[T any]     = messaging.Middleware[T]
	Assignment            = messaging.Assignment
	SubscriberOption      = messaging.SubscriberOption
	PublisherOption       = messaging.PublisherOption
	PublishOption         = messaging.PublishOption
)

// Acknowledgment policies.
const (
	AckFirst      = messaging.AckFirst
	RejectOnError = messaging.RejectOnError
	ManualAck     = messaging.ManualAck
	DoNothing     = messaging.DoNothing
)

// Acknowledgment states.
const (
	AckPending = contracts.AckPending
	AckAcked   = contracts.AckAcked
	AckNacked  = contracts.AckNacked
	AckSkipped = contracts.AckSkipped
)

// Sentinel errors.
var (
	ErrClientStopped      = contracts.ErrClientStopped
	ErrRequestTimeout     = contracts.ErrRequestTimeout
	ErrHandlersRegistered = contracts.ErrHandlersRegistered
	ErrAckAlreadyResolved = contracts.ErrAckAlreadyResolved
)

// Subscriber options, re-exported.
var (
	WithTopics           = messaging.WithTopics
	WithAssignments      = messaging.WithAssignments
	WithAckPolicy        = messaging.WithAckPolicy
	WithBatch            = messaging.WithBatch
	WithConcurrency      = messaging.WithConcurrency
	WithPollInterval     = messaging.WithPollInterval
	WithRetryInterval    = messaging.WithRetryInterval
	WithDecoder          = messaging.WithDecoder
	WithSubscriberLogger = messaging.WithSubscriberLogger
	WithNoReply          = messaging.WithNoReply
)

// Publisher options, re-exported.
var (
	WithDefaultHeaders     = messaging.WithDefaultHeaders
	WithPublisherKey       = messaging.WithPublisherKey
	WithPublisherPartition = messaging.WithPublisherPartition
	WithPublisherReplyTo   = messaging.WithPublisherReplyTo
	WithBatchMode          = messaging.WithBatchMode
	WithPublishRetry       = messaging.WithPublishRetry
	WithPublisherBreaker   = messaging.WithPublisherBreaker
	WithPublisherLogger    = messaging.WithPublisherLogger
	WithoutConfirm         = messaging.WithoutConfirm
)

// Per-call publish options, re-exported.
var (
	WithPublishHeaders       = messaging.WithPublishHeaders
	WithPublishCorrelationID = messaging.WithPublishCorrelationID
	WithPublishReplyTo       = messaging.WithPublishReplyTo
	WithPublishKey           = messaging.WithPublishKey
	WithPublishPartition     = messaging.WithPublishPartition
	WithPublishNoConfirm     = messaging.WithPublishNoConfirm
)

// Constructors, re-exported.
func NewSubscriber[T any](parser Parser[T], options ...SubscriberOption) (*Subscriber[T], error) {
	return messaging.NewSubscriber(parser, options...)
}

func NewPublisher[T any](client BrokerClient[T], topic string, options ...PublisherOption) (*Publisher[T], error) {
	return messaging.NewPublisher(client, topic, options...)
}

func NewRequestClient[T any](pub *Publisher[T], replySub *Subscriber[T]) (*RequestClient[T], error) {
	return messaging.NewRequestClient(pub, replySub)
}
