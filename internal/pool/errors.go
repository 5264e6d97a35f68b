package pool

import "errors"

var (
	// ErrNotFound means the submitted target does not exist in the record store.
	ErrNotFound = errors.New("pool: target not found")

	// ErrQueueFull is the backpressure signal. Callers should retry later;
	// nothing was enqueued.
	ErrQueueFull = errors.New("pool: queue full")

	// ErrConflict means a job for the same target is already queued or running.
	ErrConflict = errors.New("pool: job already pending for target")

	// ErrShuttingDown rejects submissions once draining has begun.
	ErrShuttingDown = errors.New("pool: shutting down")

	// ErrNotStarted is returned by operations invoked before Start().
	ErrNotStarted = errors.New("pool: not started")
)
