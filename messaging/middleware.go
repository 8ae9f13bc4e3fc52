package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshmq/meshmq/contracts"
)

// Middleware wraps a handler with cross-cutting behavior. Middleware runs in
// registration order around the handler.
type Middleware[T any] func(Handler[T]) Handler[T]

// chainMiddleware composes middleware so the first registered is outermost.
func chainMiddleware[T any](h Handler[T], mw ...Middleware[T]) Handler[T] {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Recovery converts handler panics into handler failures so a panicking
// handler takes the normal acknowledgment path instead of crashing the loop.
func Recovery[T any](logger *slog.Logger) Middleware[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler[T]) Handler[T] {
		return func(ctx context.Context, msg *contracts.Envelope[T]) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
					logger.Error("recovered handler panic",
						"messageId", msg.MessageID,
						"panic", r,
					)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Logging records one line per handled message with duration and outcome.
func Logging[T any](logger *slog.Logger) Middleware[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler[T]) Handler[T] {
		return func(ctx context.Context, msg *contracts.Envelope[T]) error {
			start := time.Now()
			err := next(ctx, msg)
			if err != nil {
				logger.Error("message handled",
					"messageId", msg.MessageID,
					"correlationId", msg.CorrelationID,
					"duration", time.Since(start),
					"error", err,
				)
			} else {
				logger.Debug("message handled",
					"messageId", msg.MessageID,
					"correlationId", msg.CorrelationID,
					"duration", time.Since(start),
				)
			}
			return err
		}
	}
}
