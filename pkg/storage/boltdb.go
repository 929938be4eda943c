package storage

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	bolt "go.etcd.io/bbolt"
)

// columns lists every bucket BoltStore provisions at open time, one per
// iface.Column.
var columns = []iface.Column{
	iface.ColumnHeaders,
	iface.ColumnBodies,
	iface.ColumnReceipts,
	iface.ColumnBlockIndex,
	iface.ColumnMeta,
	iface.ColumnState,
}

// BoltStore implements iface.StorageBackend using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under
// dataDir and provisions every column's bucket.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warrenledger.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, col := range columns {
			if _, err := tx.CreateBucketIfNotExists([]byte(col)); err != nil {
				return fmt.Errorf("storage: creating bucket %s: %w", col, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the value stored at key within column, if present.
func (s *BoltStore) Get(column iface.Column, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("storage: unknown column %s", column)
		}
		if v := b.Get(key); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Put writes value at key within column.
func (s *BoltStore) Put(column iface.Column, key []byte, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("storage: unknown column %s", column)
		}
		return b.Put(key, value)
	})
}

// Delete removes key from column, if present.
func (s *BoltStore) Delete(column iface.Column, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("storage: unknown column %s", column)
		}
		return b.Delete(key)
	})
}

// ForEach iterates every key/value pair in column in bbolt's key order,
// stopping early if fn returns false.
func (s *BoltStore) ForEach(column iface.Column, fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("storage: unknown column %s", column)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}
