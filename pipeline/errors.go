package pipeline

import "errors"

var (
	// ErrTransport wraps failures reported by the byte source. The pipeline
	// never retries on its own; a caller that wants a retry issues a new,
	// logically identical request.
	ErrTransport = errors.New("transport failure")

	// ErrDataEmpty is returned when a transfer completes with a zero-byte
	// payload. An empty payload is a failure, not a success.
	ErrDataEmpty = errors.New("no data received")

	// ErrNoResult is returned when the consumer declines to produce a result
	// from the final payload.
	ErrNoResult = errors.New("consumer produced no result")

	// ErrClosed is returned for work submitted after the pipeline or its
	// scheduler shut down.
	ErrClosed = errors.New("pipeline is closed")
)
