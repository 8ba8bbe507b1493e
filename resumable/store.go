// Package resumable tracks partially completed downloads so a fresh attempt
// can continue with a byte-range request instead of restarting.
//
// A record pairs the bytes received so far with the response validators
// (ETag/Last-Modified) they were served under. Records are taken atomically:
// exactly one attempt can claim a given partial transfer, and the record is
// only re-stored if that attempt fails after seeing a compatible validator.
package resumable

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultMaxAge bounds how stale a record may be and still be offered for
// resumption. Partial ranges older than this are discarded rather than
// revalidated; see DESIGN.md for the rationale behind the bound.
const DefaultMaxAge = 12 * time.Hour

// DefaultMaxSize bounds the bytes retained per record. Transfers larger than
// this abandon resumable bookkeeping to avoid unbounded memory growth from
// very large or perpetually interrupted downloads.
const DefaultMaxSize = 32 << 20 // 32 MiB

// Record is a partially downloaded payload plus the validators it was served
// under.
type Record struct {
	Key          string
	Data         []byte
	ETag         string
	LastModified string
	CreatedAt    time.Time
}

// HasValidator reports whether the record carries any freshness token. A
// record without one can never be resumed safely and is not worth storing.
func (r Record) HasValidator() bool {
	return r.ETag != "" || r.LastModified != ""
}

// RangeHeader returns the Range header value requesting the remainder of the
// payload.
func (r Record) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-", len(r.Data))
}

// IfRangeHeader returns the If-Range header value guarding the range request.
// ETag is preferred over Last-Modified when both are present.
func (r Record) IfRangeHeader() string {
	if r.ETag != "" {
		return r.ETag
	}
	return r.LastModified
}

// Matches reports whether the response validators are compatible with the
// ones the partial data was served under.
func (r Record) Matches(etag, lastModified string) bool {
	if r.ETag != "" {
		return r.ETag == etag
	}
	if r.LastModified != "" {
		return r.LastModified == lastModified
	}
	return false
}

// CanResume reports whether a response continues this record: the server
// honored the range request and the payload has not changed underneath us.
// Anything else supersedes the partial data.
func (r Record) CanResume(statusCode int, etag, lastModified string) bool {
	return statusCode == http.StatusPartialContent && r.Matches(etag, lastModified)
}

// Options configures a Store. Zero fields select the documented defaults.
type Options struct {
	MaxAge  time.Duration
	MaxSize int64
	NowFunc func() time.Time
}

// Store is a process-wide keyed store of resumable records. At most one
// record exists per key at any time. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]Record

	maxAge  time.Duration
	maxSize int64
	nowFunc func() time.Time
}

// New constructs a Store from opts.
func New(opts Options) *Store {
	maxAge := opts.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Store{
		records: make(map[string]Record),
		maxAge:  maxAge,
		maxSize: maxSize,
		nowFunc: nowFunc,
	}
}

// Take atomically removes and returns the record for key, so a pending
// partial transfer can be claimed by exactly one attempt. Records older than
// the max age are dropped instead of returned.
func (s *Store) Take(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	delete(s.records, key)

	if s.nowFunc().Sub(record.CreatedAt) > s.maxAge {
		return Record{}, false
	}
	return record, true
}

// Put stores record, replacing any prior record for its key. Records without
// a validator, without data, or with more data than the retained-size bound
// are dropped.
func (s *Store) Put(record Record) {
	if !record.HasValidator() || len(record.Data) == 0 || int64(len(record.Data)) > s.maxSize {
		return
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.nowFunc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = record
}

// Remove drops any record for key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
