package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrClientStopped is reported by a broker client that has permanently
	// stopped. The consumption loop treats it as terminal and exits cleanly.
	ErrClientStopped = errors.New("meshmq: broker client stopped")

	// ErrAckAlreadyResolved is returned when Ack, Nack, or Skip is called on
	// an envelope whose acknowledgment state was already decided.
	ErrAckAlreadyResolved = errors.New("meshmq: acknowledgment already resolved")

	// ErrRequestTimeout is returned by Request when no correlated response
	// arrives within the configured timeout.
	ErrRequestTimeout = errors.New("meshmq: request timed out")

	// ErrHandlersRegistered is returned by GetOne and Iter when the subscriber
	// already has a registered handler. Pull-style access and handler dispatch
	// are mutually exclusive on one subscriber.
	ErrHandlersRegistered = errors.New("meshmq: subscriber has registered handlers")

	// ErrNotStarted is returned by operations that require a started subscriber.
	ErrNotStarted = errors.New("meshmq: subscriber not started")

	// ErrAlreadyStarted is returned when a subscriber is started twice or
	// reconfigured after start.
	ErrAlreadyStarted = errors.New("meshmq: subscriber already started")
)

// SetupError reports an invalid configuration. It is raised synchronously at
// construction or call time and is never retried.
type SetupError struct {
	Reason string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("meshmq: setup error: %s", e.Reason)
}

// NewSetupError creates a SetupError with a formatted reason.
func NewSetupError(format string, args ...any) *SetupError {
	return &SetupError{Reason: fmt.Sprintf(format, args...)}
}

// IsSetupError reports whether err is a configuration error.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// TransientError marks a broker failure as recoverable. The consumption loop
// responds with a fixed backoff and retries the fetch without terminating.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("meshmq: transient broker error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked recoverable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
