// Package storage implements the durable key-value store consumed through
// iface.StorageBackend: headers, bodies, receipts, the height index, and
// chain metadata, each isolated in its own bbolt bucket.
//
// Grounded on the teacher's BoltStore (one bucket per entity type, JSON
// values, a single on-disk file under the data directory), adapted here to
// one bucket per iface.Column storing opaque bytes rather than JSON — the
// ledger core already serializes values itself (block/transaction encoding
// lives in pkg/ledger/types), so a second JSON layer would be redundant.
package storage

import (
	"github.com/cuemby/warrenledger/pkg/ledger/iface"
)

// Store is satisfied by BoltStore; it exists so callers can depend on an
// interface rather than the concrete bbolt-backed type.
type Store interface {
	iface.StorageBackend
	Close() error
	ForEach(column iface.Column, fn func(key, value []byte) bool) error
}
