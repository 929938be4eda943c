// Package iface declares the external collaborator interfaces the core
// depends on but does not implement: the contract interpreter, the peer
// transport, and the durable key-value store (spec §6).
package iface

import (
	"context"

	"github.com/cuemby/warrenledger/pkg/ledger/rwset"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
)

// ExecutionResult is the outcome of executing one transaction.
type ExecutionResult struct {
	Success bool
	Output  []byte // set when Success
	Reason  string // set when !Success
}

// Executor runs a single transaction against a read-only snapshot and
// reports the keys it read and intends to write. Implementations MUST treat
// the snapshot as their sole read source, MUST NOT mutate state outside the
// returned read/write set, and MUST be safe for concurrent use by multiple
// goroutines executing different transactions.
type Executor interface {
	Execute(tx *types.Transaction, snap Snapshot) (*rwset.Set, ExecutionResult)
}

// Snapshot is an immutable point-in-time read view of ledger state.
type Snapshot interface {
	Get(key string) ([]byte, bool)
}

// Column names a logical keyspace within the storage backend.
type Column string

// Columns defined by the spec's on-disk state layout.
const (
	ColumnHeaders     Column = "headers"
	ColumnBodies      Column = "bodies"
	ColumnReceipts    Column = "receipts"
	ColumnBlockIndex  Column = "block_index"
	ColumnMeta        Column = "meta"
	ColumnState       Column = "state"
)

// Meta key labels used within ColumnMeta.
const (
	MetaLatestBlock    = "latest_block"
	MetaFinalizedBlock = "finalized_block"
	MetaChainID        = "chain_id"
)

// StorageBackend is the durable key-value store consumed by the driver for
// chain metadata (headers, bodies, receipts, height index, chain_id).
type StorageBackend interface {
	Get(column Column, key []byte) ([]byte, bool, error)
	Put(column Column, key []byte, value []byte) error
	Delete(column Column, key []byte) error
}

// Broadcast is the peer-to-peer transport consumed by the consensus driver.
// Messages are opaque bytes; framing and authentication are the transport's
// concern.
type Broadcast interface {
	Broadcast(ctx context.Context, payload []byte) error
	Send(ctx context.Context, peer string, payload []byte) error
}

// MaxPayloadBytes is the maximum wire payload size the spec allows (16 MiB).
const MaxPayloadBytes = 16 * 1024 * 1024
