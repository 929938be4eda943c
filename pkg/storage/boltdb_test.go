package storage

import (
	"testing"

	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetRoundTrips(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put(iface.ColumnMeta, []byte(iface.MetaChainID), []byte("warrenledger-devnet")))

	value, ok, err := store.Get(iface.ColumnMeta, []byte(iface.MetaChainID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "warrenledger-devnet", string(value))
}

func TestGetMissingKeyReportsAbsent(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Get(iface.ColumnHeaders, []byte("height:0"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesKey(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put(iface.ColumnHeaders, []byte("k"), []byte("v")))
	require.NoError(t, store.Delete(iface.ColumnHeaders, []byte("k")))
	_, ok, err := store.Get(iface.ColumnHeaders, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForEachVisitsInKeyOrder(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put(iface.ColumnBlockIndex, []byte("b"), []byte("2")))
	require.NoError(t, store.Put(iface.ColumnBlockIndex, []byte("a"), []byte("1")))
	require.NoError(t, store.Put(iface.ColumnBlockIndex, []byte("c"), []byte("3")))

	var keys []string
	err := store.ForEach(iface.ColumnBlockIndex, func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestForEachStopsEarly(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put(iface.ColumnBlockIndex, []byte("a"), []byte("1")))
	require.NoError(t, store.Put(iface.ColumnBlockIndex, []byte("b"), []byte("2")))

	var visited int
	err := store.ForEach(iface.ColumnBlockIndex, func(key, value []byte) bool {
		visited++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(iface.ColumnMeta, []byte(iface.MetaLatestBlock), []byte("42")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get(iface.ColumnMeta, []byte(iface.MetaLatestBlock))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", string(value))
}
