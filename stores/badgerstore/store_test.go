package badgerstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Amund211/lantern/stores/badgerstore"
)

func newStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	store, err := badgerstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := t.Context()

	const key = "https://assets.example.com/payload"
	payload := []byte("payload bytes")

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, found)
	require.False(t, store.Contains(ctx, key))

	require.NoError(t, store.Put(ctx, key, payload))

	data, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, data)
	require.True(t, store.Contains(ctx, key))
}

func TestStoreOverwrite(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "key", []byte("old")))
	require.NoError(t, store.Put(ctx, "key", []byte("new")))

	data, found, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("new"), data)
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "key", []byte("data")))
	require.NoError(t, store.Remove(ctx, "key"))

	_, found, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, found)

	// Removing a missing key is not an error
	require.NoError(t, store.Remove(ctx, "key"))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := t.Context()

	store, err := badgerstore.New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "key", []byte("data")))
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Close())

	reopened, err := badgerstore.New(dir)
	require.NoError(t, err)
	defer reopened.Close()

	data, found, err := reopened.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("data"), data)
}

func TestStoreContextCancelled(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, _, err := store.Get(ctx, "key")
	require.Error(t, err)
	require.Error(t, store.Put(ctx, "key", []byte("data")))
}
