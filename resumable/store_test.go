package resumable

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreTakeIsAtomic(t *testing.T) {
	t.Parallel()

	store := New(Options{})
	store.Put(Record{Key: "key", Data: []byte("partial"), ETag: `"v1"`})

	var mu sync.Mutex
	var claimed int
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := store.Take("key"); ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed, "exactly one caller may claim a pending partial transfer")
	assert.Equal(t, 0, store.Len())
}

func TestStorePutReplaces(t *testing.T) {
	t.Parallel()

	store := New(Options{})
	store.Put(Record{Key: "key", Data: []byte("old"), ETag: `"v1"`})
	store.Put(Record{Key: "key", Data: []byte("newer"), ETag: `"v2"`})

	record, ok := store.Take("key")
	require.True(t, ok)
	assert.Equal(t, []byte("newer"), record.Data)
	assert.Equal(t, `"v2"`, record.ETag)
}

func TestStoreDropsRecordsWithoutValidator(t *testing.T) {
	t.Parallel()

	store := New(Options{})
	store.Put(Record{Key: "key", Data: []byte("partial")})

	_, ok := store.Take("key")
	assert.False(t, ok, "a record without a validator can never be resumed safely")
}

func TestStoreDropsOversizedRecords(t *testing.T) {
	t.Parallel()

	store := New(Options{MaxSize: 4})
	store.Put(Record{Key: "key", Data: []byte("too large"), ETag: `"v1"`})

	_, ok := store.Take("key")
	assert.False(t, ok)
}

func TestStoreDropsStaleRecords(t *testing.T) {
	t.Parallel()

	now := time.Now()
	currentTime := now
	var mu sync.Mutex
	nowFunc := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return currentTime
	}

	store := New(Options{MaxAge: time.Hour, NowFunc: nowFunc})
	store.Put(Record{Key: "key", Data: []byte("partial"), ETag: `"v1"`})

	mu.Lock()
	currentTime = currentTime.Add(2 * time.Hour)
	mu.Unlock()

	_, ok := store.Take("key")
	assert.False(t, ok, "stale partial ranges must be discarded rather than reused")
	assert.Equal(t, 0, store.Len(), "stale record should have been removed")
}

func TestRecordRequestHeaders(t *testing.T) {
	t.Parallel()

	record := Record{Key: "key", Data: make([]byte, 50), ETag: `"v1"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}
	assert.Equal(t, "bytes=50-", record.RangeHeader())
	assert.Equal(t, `"v1"`, record.IfRangeHeader(), "ETag is preferred over Last-Modified")

	record.ETag = ""
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", record.IfRangeHeader())
}

func TestRecordCanResume(t *testing.T) {
	t.Parallel()

	record := Record{Key: "key", Data: []byte("partial"), ETag: `"v1"`}

	assert.True(t, record.CanResume(http.StatusPartialContent, `"v1"`, ""))
	assert.False(t, record.CanResume(http.StatusOK, `"v1"`, ""), "a full response supersedes the partial data")
	assert.False(t, record.CanResume(http.StatusPartialContent, `"v2"`, ""), "a changed validator invalidates the partial data")

	lastModified := Record{Key: "key", Data: []byte("partial"), LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}
	assert.True(t, lastModified.CanResume(http.StatusPartialContent, "", "Mon, 02 Jan 2006 15:04:05 GMT"))
	assert.False(t, lastModified.CanResume(http.StatusPartialContent, "", "Tue, 03 Jan 2006 15:04:05 GMT"))
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	store := New(Options{})
	store.Put(Record{Key: "key", Data: []byte("partial"), ETag: `"v1"`})
	store.Remove("key")

	_, ok := store.Take("key")
	assert.False(t, ok)
}
