// Package badgerstore persists fetched payloads in a local BadgerDB
// directory, keyed by locator.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Amund211/lantern/pipeline"
)

func keyPayload(locator string) []byte {
	return append([]byte("payload/"), locator...)
}

// Store implements pipeline.PersistentStore on top of BadgerDB.
// Safe for concurrent use.
type Store struct {
	db *badger.DB
}

var _ pipeline.PersistentStore = (*Store)(nil)

// New opens (or creates) the database directory at path.
func New(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		// Badger's default logger writes straight to stderr; we log open
		// and close ourselves and keep the internals quiet.
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db at %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPayload(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, true, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyPayload(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}
	return nil
}

func (s *Store) Contains(ctx context.Context, key string) bool {
	if ctx.Err() != nil {
		return false
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyPayload(key))
		return err
	})
	return err == nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyPayload(key))
	})
	if err != nil {
		return fmt.Errorf("failed to remove payload: %w", err)
	}
	return nil
}

func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync badger db: %w", err)
	}
	return nil
}

// GC runs one round of value log garbage collection. Callers run it
// periodically; badger returns ErrNoRewrite when there is nothing to do.
func (s *Store) GC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
