package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Amund211/lantern/internal/reporting"
	"github.com/Amund211/lantern/logging"
	"github.com/Amund211/lantern/resumable"
	"github.com/Amund211/lantern/scheduler"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("lantern/pipeline")

const readChunkSize = 32 * 1024

// fetchTask produces the raw bytes for a locator: disk cache first, then the
// byte source, resuming a previous partial transfer when the validators still
// match.
func (p *Pipeline[T]) fetchTask(locator string) TaskFunc[[]byte] {
	return func(ctx context.Context, report *Reporter[[]byte]) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "pipeline.fetch")
		span.SetAttributes(attribute.String("locator", locator))
		defer span.End()

		if p.store != nil {
			var data []byte
			var found bool
			err := runOn(ctx, p.diskRead, report.Priority(), func() {
				var getErr error
				data, found, getErr = p.store.Get(ctx, locator)
				if getErr != nil {
					// A broken disk cache read falls through to the source.
					logging.FromContext(ctx).Warn("persistent store read failed", "locator", locator, "error", getErr.Error())
				}
			})
			if err != nil {
				return nil, err
			}
			if found && len(data) > 0 {
				logging.FromContext(ctx).Debug("serving from persistent store", "locator", locator)
				return data, nil
			}
		}

		return p.download(ctx, locator, report)
	}
}

func (p *Pipeline[T]) download(ctx context.Context, locator string, report *Reporter[[]byte]) ([]byte, error) {
	req := Request{Locator: locator, Headers: map[string]string{}}

	var record resumable.Record
	var haveRecord bool
	if p.resumable != nil {
		record, haveRecord = p.resumable.Take(locator)
		if haveRecord {
			req.Headers["Range"] = record.RangeHeader()
			req.Headers["If-Range"] = record.IfRangeHeader()
		}
	}

	resp, body, err := p.source.Start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %w", ErrTransport, locator, err)
	}
	defer body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrTransport, locator, resp.StatusCode)
	}

	resuming := haveRecord && record.CanResume(resp.StatusCode, resp.ETag, resp.LastModified)
	if resp.StatusCode == http.StatusPartialContent && !resuming {
		// The server ignored If-Range; stitching this onto unknown bytes
		// would corrupt the payload.
		return nil, fmt.Errorf("%w: %s returned unrequested partial content", ErrTransport, locator)
	}

	var buf []byte
	if resuming {
		buf = record.Data
		metrics.resumeCount.Add(ctx, 1)
		logging.FromContext(ctx).Info("resuming transfer", "locator", locator, "offset", len(buf))
	}

	total := resp.ContentLength
	if total >= 0 {
		total += int64(len(buf))
	}

	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			p.storePartial(locator, buf, resp)
			return nil, err
		}

		n, readErr := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			metrics.fetchBytes.Add(ctx, int64(n))
			report.Progress(int64(len(buf)), total)
			// Cap the snapshot so later appends cannot write into it.
			report.Partial(buf[:len(buf):len(buf)])
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			p.storePartial(locator, buf, resp)
			return nil, fmt.Errorf("%w: failed to read %s: %w", ErrTransport, locator, readErr)
		}
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDataEmpty, locator)
	}

	if p.store != nil {
		p.persist(ctx, locator, buf, report.Priority())
	}
	return buf, nil
}

// storePartial retains the bytes received so far for a later range request.
// The store drops records without a usable validator or beyond the retained
// size bound.
func (p *Pipeline[T]) storePartial(locator string, data []byte, resp Response) {
	if p.resumable == nil || len(data) == 0 {
		return
	}
	p.resumable.Put(resumable.Record{
		Key:          locator,
		Data:         data,
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
	})
}

// persist writes the payload to the persistent store, fire-and-forget.
// Caching is an optimization: a failed write is reported but never fails the
// request.
func (p *Pipeline[T]) persist(ctx context.Context, locator string, data []byte, priority scheduler.Priority) {
	storeCtx := context.WithoutCancel(ctx)
	p.diskWrite.Enqueue(priority, func(context.Context) {
		if err := p.store.Put(storeCtx, locator, data); err != nil {
			err = fmt.Errorf("failed to persist payload: %w", err)
			logging.FromContext(storeCtx).Error(err.Error(), "locator", locator)
			reporting.Report(storeCtx, err)
		}
	})
}

// runOn executes f on s and waits for it, observing ctx while the item is
// still pending. Once f is running it is allowed to finish.
func runOn(ctx context.Context, s *scheduler.Scheduler, priority scheduler.Priority, f func()) error {
	done := make(chan struct{})
	handle := s.Enqueue(priority, func(context.Context) {
		defer close(done)
		f()
	})
	if handle == nil {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if s.Cancel(handle) {
			return ctx.Err()
		}
		<-done
		return nil
	}
}
