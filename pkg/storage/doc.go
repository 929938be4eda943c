/*
Package storage provides the bbolt-backed implementation of
iface.StorageBackend: the durable store behind headers, bodies, receipts,
the height index, and chain metadata.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/warrenledger.db          │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket per Column               │          │
	│  │  headers | bodies | receipts | block_index   │          │
	│  │  meta (chain_id, latest_block, ...)          │          │
	│  │  state (committed key/value ledger state)    │          │
	│  └───────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

Every value is stored exactly as the caller encodes it; this package does
not impose a serialization format of its own, unlike a generic entity
store that would marshal each value as JSON. The driver and node packages
own encoding: each encodes block headers and bodies itself (transactions
through their pkg/ledger/types bytes), and pkg/node writes genesis account
records into the state column.

Writes are committed one bbolt transaction at a time; the driver writes a
height's header, body, receipts and index entry before its meta
latest_block entry, which the driver reads at startup to find the latest
persisted height.
*/
package storage
