package messaging

import (
	"context"
	"time"

	"github.com/meshmq/meshmq/contracts"
)

// BrokerClient is the minimal capability a backend adapter must provide to
// the engine. T is the backend-native raw message type.
//
// Fetch methods block for at most the given timeout and report recoverable
// faults as errors matching contracts.IsTransient; a client that has
// permanently stopped reports contracts.ErrClientStopped. Ack, Nack, and
// Publish must be safe for concurrent use by multiple in-flight operations;
// fetches are always issued by a single goroutine.
type BrokerClient[T any] interface {
	// FetchOne returns the next message, or ok=false when none arrived
	// within the timeout.
	FetchOne(ctx context.Context, timeout time.Duration) (raw T, ok bool, err error)

	// FetchMany returns up to max messages in fetch order. An empty slice is
	// a benign outcome.
	FetchMany(ctx context.Context, timeout time.Duration, max int) ([]T, error)

	// Ack positively acknowledges a raw message. Backends without an
	// acknowledgment concept may no-op.
	Ack(ctx context.Context, raw T) error

	// Nack negatively acknowledges a raw message. Backends without an
	// acknowledgment concept may no-op.
	Nack(ctx context.Context, raw T) error

	// Publish sends one fully-resolved command.
	Publish(ctx context.Context, cmd contracts.PublishCommand) error

	// Close releases the underlying connection.
	Close() error
}

// ClientFactory opens a broker client. The subscriber invokes it once at
// Start and owns the returned client until Close.
type ClientFactory[T any] func(ctx context.Context) (BrokerClient[T], error)

// clientAcker applies acknowledgment decisions for a single raw message.
type clientAcker[T any] struct {
	client BrokerClient[T]
	raw    T
}

func (a *clientAcker[T]) Ack(ctx context.Context) error {
	return a.client.Ack(ctx, a.raw)
}

func (a *clientAcker[T]) Nack(ctx context.Context) error {
	return a.client.Nack(ctx, a.raw)
}

// batchAcker applies one acknowledgment decision to a whole batch. Partial
// batch acknowledgment is not supported: the batch fully acks or fully nacks.
type batchAcker[T any] struct {
	client BrokerClient[T]
	raws   []T
}

func (a *batchAcker[T]) Ack(ctx context.Context) error {
	for _, raw := range a.raws {
		if err := a.client.Ack(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

func (a *batchAcker[T]) Nack(ctx context.Context) error {
	for _, raw := range a.raws {
		if err := a.client.Nack(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}
