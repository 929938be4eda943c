// Package store durably persists the pieces of consensus.Machine's state
// that a crash-recovering replica cannot safely reconstruct from storage's
// headers/bodies/receipts alone: the locked round and block hash per height, and an
// append-only archive of every vote the replica sent or saw. pkg/driver
// persists the locked value after every dispatch and reloads it in Start,
// so a replica that crashes mid-height resumes with its lock intact
// instead of risking equivocation.
//
// Grounded on the teacher's raft setup in pkg/manager/manager.go, which
// opens two hashicorp/raft-boltdb BoltStores (a log store and a stable
// store) and hands them to raft.NewRaft. This package keeps that same
// on-disk durability mechanism — raft-boltdb's BoltStore, used for both its
// StableStore key/value surface and its LogStore append-only log surface —
// without the raft.Raft engine itself: the height/round/step machine this
// spec requires (pkg/consensus.Machine) already decides commitment through
// its own quorum check, so there is no leader election or log replication
// for raft to perform here. Only its storage primitive is reused.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
)

// getUint64 wraps BoltStore.GetUint64, treating the teacher's
// raftboltdb.ErrKeyNotFound as "zero, not yet written" rather than an
// error: every counter in this package starts implicitly at zero.
func getUint64(b *raftboltdb.BoltStore, key []byte) (uint64, error) {
	v, err := b.GetUint64(key)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, nil
	}
	return v, err
}

// Store wraps a single raft-boltdb BoltStore opened over one file.
type Store struct {
	bolt *raftboltdb.BoltStore
}

// New opens (or creates) the consensus durability store at path.
func New(path string) (*Store, error) {
	bolt, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("consensus store: opening %s: %w", path, err)
	}
	return &Store{bolt: bolt}, nil
}

// Close releases the underlying BoltDB file handle.
func (s *Store) Close() error {
	return s.bolt.Close()
}

func lockedKey(height uint64) []byte {
	key := make([]byte, 8+len("locked:"))
	copy(key, "locked:")
	binary.BigEndian.PutUint64(key[len("locked:"):], height)
	return key
}

// SaveLockedValue persists the round and block hash the replica has locked
// on at height, via the StableStore key/value surface raft itself uses for
// term and vote bookkeeping.
func (s *Store) SaveLockedValue(height uint64, round uint32, blockHash hash.Hash256) error {
	buf := make([]byte, 4+hash.Size)
	binary.BigEndian.PutUint32(buf, round)
	copy(buf[4:], blockHash[:])
	if err := s.bolt.Set(lockedKey(height), buf); err != nil {
		return fmt.Errorf("consensus store: saving locked value for height %d: %w", height, err)
	}
	return nil
}

// LoadLockedValue returns the previously saved locked round/hash for
// height, and ok=false if nothing was ever saved.
func (s *Store) LoadLockedValue(height uint64) (round uint32, blockHash hash.Hash256, ok bool, err error) {
	buf, err := s.bolt.Get(lockedKey(height))
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, hash.Hash256{}, false, nil
	}
	if err != nil {
		return 0, hash.Hash256{}, false, fmt.Errorf("consensus store: loading locked value for height %d: %w", height, err)
	}
	if len(buf) == 0 {
		return 0, hash.Hash256{}, false, nil
	}
	round = binary.BigEndian.Uint32(buf[:4])
	copy(blockHash[:], buf[4:])
	return round, blockHash, true, nil
}

func voteCountKey(height uint64) []byte {
	key := make([]byte, 8+len("votecount:"))
	copy(key, "votecount:")
	binary.BigEndian.PutUint64(key[len("votecount:"):], height)
	return key
}

// logIndex packs a height and a per-height sequence number into the single
// monotonically increasing index raft.Log requires, height-major so
// GetLog(index) for a given height never collides with another height's
// entries.
func logIndex(height, seq uint64) uint64 {
	return height<<20 | seq
}

// AppendVote archives one encoded vote frame in the per-height vote log,
// using raft-boltdb's LogStore surface (the same StoreLog call the
// teacher's replicated FSM uses to persist command entries).
func (s *Store) AppendVote(height uint64, payload []byte) error {
	seq, err := getUint64(s.bolt, voteCountKey(height))
	if err != nil {
		return fmt.Errorf("consensus store: reading vote count for height %d: %w", height, err)
	}
	entry := &raft.Log{Index: logIndex(height, seq), Data: append([]byte(nil), payload...)}
	if err := s.bolt.StoreLog(entry); err != nil {
		return fmt.Errorf("consensus store: appending vote at height %d: %w", height, err)
	}
	if err := s.bolt.SetUint64(voteCountKey(height), seq+1); err != nil {
		return fmt.Errorf("consensus store: advancing vote count for height %d: %w", height, err)
	}
	return nil
}

// VotesForHeight returns every vote archived for height, in append order.
func (s *Store) VotesForHeight(height uint64) ([][]byte, error) {
	count, err := getUint64(s.bolt, voteCountKey(height))
	if err != nil {
		return nil, fmt.Errorf("consensus store: reading vote count for height %d: %w", height, err)
	}
	votes := make([][]byte, 0, count)
	for seq := uint64(0); seq < count; seq++ {
		var entry raft.Log
		if err := s.bolt.GetLog(logIndex(height, seq), &entry); err != nil {
			return nil, fmt.Errorf("consensus store: reading vote %d at height %d: %w", seq, height, err)
		}
		votes = append(votes, entry.Data)
	}
	return votes, nil
}
