package pipeline

import (
	"context"
	"io"
)

// Request describes a byte-stream start. Headers carries the conditional
// range headers constructed by the fetch work; sources that have no notion of
// ranges may ignore them.
type Request struct {
	Locator string
	Headers map[string]string
}

// Response is the metadata a source reports before its first data chunk. The
// core only inspects the fields that drive resumability; everything else
// stays inside the source.
type Response struct {
	StatusCode    int
	ContentLength int64 // -1 when unknown
	ETag          string
	LastModified  string
}

// ByteSource starts a byte stream for a locator. The returned reader must
// observe ctx: cancelling ctx has to stop an in-progress read promptly, not
// merely fail the next call.
type ByteSource interface {
	Start(ctx context.Context, req Request) (Response, io.ReadCloser, error)
}

// PersistentStore is a key -> bytes store, typically disk-backed. Put is
// called fire-and-forget: implementations may defer durability until Flush.
type PersistentStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Contains(ctx context.Context, key string) bool
	Remove(ctx context.Context, key string) error
	// Flush blocks until pending writes are durable.
	Flush(ctx context.Context) error
}

// IncrementalConsumer turns accumulated bytes into a typed result. It is
// offered the bytes received so far at each chunk boundary with final=false,
// and the complete payload once with final=true. Returning ok=false means "no
// result yet". The accumulated slice must not be retained or modified.
//
// The pipeline calls a node's consumer from a single goroutine: there is
// never more than one concurrent call per coalescing node.
type IncrementalConsumer[T any] interface {
	Consume(accumulated []byte, final bool) (T, bool, error)
}

// ConsumerFunc adapts a function to the IncrementalConsumer interface.
type ConsumerFunc[T any] func(accumulated []byte, final bool) (T, bool, error)

func (f ConsumerFunc[T]) Consume(accumulated []byte, final bool) (T, bool, error) {
	return f(accumulated, final)
}
