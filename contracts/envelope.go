package contracts

import (
	"context"
	"sync"
)

// AckState tracks the acknowledgment decision for an envelope. It is set
// exactly once; a second transition is a programming error.
type AckState int

const (
	// AckPending means no acknowledgment decision has been made yet.
	AckPending AckState = iota
	// AckAcked means the envelope was positively acknowledged.
	AckAcked
	// AckNacked means the envelope was negatively acknowledged.
	AckNacked
	// AckSkipped means the engine deliberately left the envelope untouched.
	AckSkipped
)

// String returns the state name for log context.
func (s AckState) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckAcked:
		return "acked"
	case AckNacked:
		return "nacked"
	case AckSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Acker applies an acknowledgment decision to the backend-native message(s)
// wrapped by an envelope. Backend adapters provide the implementation; a
// backend with no acknowledgment concept may no-op both methods.
type Acker interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Envelope is the normalized in-memory representation of one inbound message,
// or of an ordered batch of them when the subscriber runs in batch mode.
//
// An envelope is created by the parser from one fetch result, carries the
// acknowledgment state machine for its raw message(s), and is discarded after
// the handler and acknowledgment step complete. It is not persisted.
type Envelope[T any] struct {
	// Raw is the backend-native message for single mode.
	Raw T
	// RawBatch is the ordered sequence of backend-native messages for batch
	// mode. Ack and Nack apply to the whole batch as a unit.
	RawBatch []T

	// Payload is the raw message body.
	Payload []byte
	// BatchPayloads holds the ordered raw bodies for batch mode, aligned with
	// RawBatch.
	BatchPayloads [][]byte
	// Body is the decoded structured value produced by the subscriber's
	// decoder, passed to handlers alongside the raw payload.
	Body any
	// Headers are the normalized string headers extracted by the parser.
	Headers map[string]string
	// CorrelationID correlates the message with a request or a reply. The
	// publisher generates one when the caller does not supply it.
	CorrelationID string
	// ReplyTo is the destination a response should be published to, if any.
	ReplyTo string
	// MessageID is the backend-specific message identifier, opaque to the engine.
	MessageID string

	mu    sync.Mutex
	state AckState
	acker Acker
}

// Batch reports whether the envelope wraps an ordered batch of raw messages.
func (e *Envelope[T]) Batch() bool {
	return e.RawBatch != nil
}

// State returns the current acknowledgment state.
func (e *Envelope[T]) State() AckState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetAcker binds the backend acknowledgment callbacks. Called by the parser;
// handlers never rebind it.
func (e *Envelope[T]) SetAcker(a Acker) {
	e.mu.Lock()
	e.acker = a
	e.mu.Unlock()
}

// Ack positively acknowledges the envelope. It may be called once; any later
// transition returns ErrAckAlreadyResolved.
func (e *Envelope[T]) Ack(ctx context.Context) error {
	acker, err := e.resolve(AckAcked)
	if err != nil {
		return err
	}
	if acker == nil {
		return nil
	}
	return acker.Ack(ctx)
}

// Nack negatively acknowledges the envelope. It may be called once; any later
// transition returns ErrAckAlreadyResolved.
func (e *Envelope[T]) Nack(ctx context.Context) error {
	acker, err := e.resolve(AckNacked)
	if err != nil {
		return err
	}
	if acker == nil {
		return nil
	}
	return acker.Nack(ctx)
}

// Skip records that the engine deliberately made no acknowledgment decision.
// No backend primitive is invoked.
func (e *Envelope[T]) Skip() error {
	_, err := e.resolve(AckSkipped)
	return err
}

// resolve performs the single allowed state transition and returns the bound
// acker to invoke outside the lock.
func (e *Envelope[T]) resolve(to AckState) (Acker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != AckPending {
		return nil, ErrAckAlreadyResolved
	}
	e.state = to
	return e.acker, nil
}
