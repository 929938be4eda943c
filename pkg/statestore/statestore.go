// Package statestore implements the ledger's versioned key-value state and
// its immutable point-in-time snapshots (spec component D).
//
// Grounded on the teacher's BoltDB-backed storage.Store (pkg/storage), but
// the scheduler needs content-equivalent snapshots across replicas rather
// than a single embedded database handle, so commit swaps an immutable map
// rather than opening a bolt transaction: a commit never partially applies,
// and every snapshot taken before the swap is unaffected by it.
package statestore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
)

type table = map[string][]byte

// Store is the versioned key-value state. The zero value is not usable;
// construct with New.
type Store struct {
	mu      sync.Mutex // serializes commit/delete; snapshot/get are lock-free
	current atomic.Pointer[table]
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	t := make(table)
	s.current.Store(&t)
	return s
}

// Snapshot is an immutable read view of the store at the moment it was
// taken. It never observes writes committed after that moment.
type Snapshot struct {
	t *table
}

// Get returns the value for key in the snapshot, if present.
func (s *Snapshot) Get(key string) ([]byte, bool) {
	v, ok := (*s.t)[key]
	return v, ok
}

// Snapshot returns an immutable view of the current committed state.
// Cheap: it is a reference to the store's current table, which commit never
// mutates in place.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{t: s.current.Load()}
}

// Get returns the latest committed value for key.
func (s *Store) Get(key string) ([]byte, bool) {
	t := s.current.Load()
	v, ok := (*t)[key]
	return v, ok
}

// Write is a single key/value pair to apply in a commit batch.
type Write struct {
	Key   string
	Value []byte
}

// Commit applies writes atomically: a new table is built from the current
// one plus writes (last write per key wins, order irrelevant otherwise) and
// swapped in a single pointer store. Snapshots taken before Commit returns
// never observe any part of the batch.
func (s *Store) Commit(writes []Write) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	next := make(table, len(*old)+len(writes))
	for k, v := range *old {
		next[k] = v
	}
	for _, w := range writes {
		next[w.Key] = w.Value
	}
	s.current.Store(&next)
}

// Delete removes key, observationally equivalent to committing a tombstone.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	next := make(table, len(*old))
	for k, v := range *old {
		if k == key {
			continue
		}
		next[k] = v
	}
	s.current.Store(&next)
}

// StateRoot computes the content hash over the canonical enumeration of all
// live (key, value) pairs: keys sorted ascending, each pair length-prefixed.
func (s *Store) StateRoot() hash.Hash256 {
	t := s.current.Load()
	keys := make([]string, 0, len(*t))
	for k := range *t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		v := (*t)[k]
		buf = appendLenPrefixed(buf, []byte(k))
		buf = appendLenPrefixed(buf, v)
	}
	return hash.Sum(buf)
}

func appendLenPrefixed(buf, b []byte) []byte {
	var length [4]byte
	n := uint32(len(b))
	length[0] = byte(n >> 24)
	length[1] = byte(n >> 16)
	length[2] = byte(n >> 8)
	length[3] = byte(n)
	buf = append(buf, length[:]...)
	buf = append(buf, b...)
	return buf
}
