package cache

import "time"

// entry is an intrusive doubly linked list element owned by the Cache. It
// lives in both the hash index and the recency list; the cache mutex guards
// all fields.
type entry[K comparable, V any] struct {
	key   K
	value V

	// List links: head is MRU, tail is LRU.
	prev *entry[K, V]
	next *entry[K, V]

	cost int64

	// Zero means "no TTL".
	expiresAt time.Time
}
