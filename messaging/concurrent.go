package messaging

import (
	"context"
)

// String returns the mode name for log context.
func (m Mode) String() string {
	switch m {
	case ModeBatch:
		return "batch"
	case ModeConcurrent:
		return "concurrent"
	default:
		return "default"
	}
}

// startWorkers launches the fan-out pool for concurrent mode. The queue
// capacity equals the worker count, so a full pool of slow handlers blocks
// the fetch loop; that is the backpressure mechanism.
//
// Enqueue order matches fetch order, but completion order across workers is
// not guaranteed. Combining fan-out with RejectOnError on a backend whose
// commits are ordering-sensitive (partition offsets) can re-deliver already
// handled messages; callers needing strict ordering must use one worker.
func (s *Subscriber[T]) startWorkers(ctx context.Context) {
	// Workers drain the queue even after cancellation: in-flight and already
	// fetched messages finish before the client is released.
	workCtx := context.WithoutCancel(ctx)

	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range s.queue {
				s.dispatch(workCtx, job.env, job.parseErr)
			}
		}()
	}
}
