// Package node bootstraps a ledger's on-disk state: genesis initialization
// of the initial account allocations and the height-0 block, and the
// startup chain_id consistency check. GenesisConfig.Validators is not
// persisted by InitGenesis.
//
// Grounded on bach-node's GenesisBuilder (original_source/rust/crates/bach-node/src/genesis.rs):
// refuse to run genesis twice, apply account allocations before writing the
// height-0 block, and persist chain_id into metadata so a later mismatched
// config is caught at startup rather than silently producing a forked
// state root.
package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/ledger/validator"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/statestore"
)

// ErrAlreadyInitialized is returned by InitGenesis when the storage
// backend already has a latest block recorded.
var ErrAlreadyInitialized = errors.New("node: genesis already initialized")

// ErrChainIDMismatch is returned by VerifyChainID when the configured
// chain ID does not match the one recorded at genesis.
var ErrChainIDMismatch = errors.New("node: chain_id mismatch between config and stored genesis")

// Account is one genesis allocation: an initial balance and nonce.
type Account struct {
	Balance uint64
	Nonce   uint64
}

// GenesisConfig describes the state a chain starts from.
type GenesisConfig struct {
	ChainID    string
	Validators []validator.Validator
	Alloc      map[types.Address]Account
	Timestamp  time.Time
}

// accountKey is the state-store key convention for an account's balance
// and nonce record. This is the ledger core's own convention, not
// prescribed by the storage layer: an Executor reading account state is
// expected to use the same encoding.
func accountKey(addr types.Address) string {
	return "account:" + addr.String()
}

// EncodeAccount serializes an Account as 8-byte big-endian nonce followed
// by 8-byte big-endian balance.
func EncodeAccount(a Account) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], a.Nonce)
	binary.BigEndian.PutUint64(buf[8:16], a.Balance)
	return buf
}

// DecodeAccount parses the encoding EncodeAccount produces.
func DecodeAccount(b []byte) (Account, error) {
	if len(b) != 16 {
		return Account{}, fmt.Errorf("node: malformed account record (%d bytes)", len(b))
	}
	return Account{
		Nonce:   binary.BigEndian.Uint64(b[0:8]),
		Balance: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// AccountKey exposes the state-store key convention for addr so executors
// outside this package can read the same records InitGenesis writes.
func AccountKey(addr types.Address) string { return accountKey(addr) }

// InitGenesis seeds storage and state with cfg's allocations and writes
// the height-0 block, provided the backend has not already been
// initialized.
func InitGenesis(store iface.StorageBackend, state *statestore.Store, cfg GenesisConfig) (*types.Block, error) {
	logger := log.WithComponent("node")

	if _, ok, err := store.Get(iface.ColumnMeta, []byte(iface.MetaLatestBlock)); err != nil {
		return nil, fmt.Errorf("node: checking existing genesis: %w", err)
	} else if ok {
		return nil, ErrAlreadyInitialized
	}

	writes := make([]statestore.Write, 0, len(cfg.Alloc))
	for addr, acct := range cfg.Alloc {
		writes = append(writes, statestore.Write{Key: accountKey(addr), Value: EncodeAccount(acct)})
		if err := store.Put(iface.ColumnState, []byte(accountKey(addr)), EncodeAccount(acct)); err != nil {
			return nil, fmt.Errorf("node: writing genesis account: %w", err)
		}
	}
	state.Commit(writes)

	genesis := types.NewBlock(0, hash.Empty, nil, cfg.Timestamp)
	blockHash := genesis.Hash()

	if err := store.Put(iface.ColumnHeaders, blockHash[:], encodeHeader(genesis)); err != nil {
		return nil, fmt.Errorf("node: writing genesis header: %w", err)
	}
	if err := store.Put(iface.ColumnBodies, blockHash[:], encodeBody(genesis)); err != nil {
		return nil, fmt.Errorf("node: writing genesis body: %w", err)
	}
	if err := store.Put(iface.ColumnBlockIndex, heightKey(0), blockHash[:]); err != nil {
		return nil, fmt.Errorf("node: indexing genesis block: %w", err)
	}
	if err := store.Put(iface.ColumnMeta, []byte(iface.MetaLatestBlock), heightKey(0)); err != nil {
		return nil, fmt.Errorf("node: writing latest_block: %w", err)
	}
	if err := store.Put(iface.ColumnMeta, []byte(iface.MetaFinalizedBlock), heightKey(0)); err != nil {
		return nil, fmt.Errorf("node: writing finalized_block: %w", err)
	}
	if err := store.Put(iface.ColumnMeta, []byte(iface.MetaChainID), []byte(cfg.ChainID)); err != nil {
		return nil, fmt.Errorf("node: writing chain_id: %w", err)
	}

	logger.Info().Str("chain_id", cfg.ChainID).Int("allocations", len(cfg.Alloc)).Str("genesis_hash", blockHash.String()).Msg("genesis initialized")
	return genesis, nil
}

// VerifyChainID compares the chain ID recorded at genesis against
// expected, failing fatally (per spec) on mismatch.
func VerifyChainID(store iface.StorageBackend, expected string) error {
	stored, ok, err := store.Get(iface.ColumnMeta, []byte(iface.MetaChainID))
	if err != nil {
		return fmt.Errorf("node: reading chain_id: %w", err)
	}
	if !ok {
		return fmt.Errorf("node: no chain_id recorded; has genesis been initialized?")
	}
	if string(stored) != expected {
		return fmt.Errorf("%w: config has %q, storage has %q", ErrChainIDMismatch, expected, string(stored))
	}
	return nil
}

func heightKey(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return buf[:]
}

// encodeHeader serializes everything about a block except its
// transactions: height, parent hash, transactions hash, and timestamp.
func encodeHeader(b *types.Block) []byte {
	buf := make([]byte, 0, 8+hash.Size+hash.Size+8)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], b.Height)
	buf = append(buf, h[:]...)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, b.TransactionsHash[:]...)
	binary.BigEndian.PutUint64(h[:], uint64(b.Timestamp.UnixNano()))
	buf = append(buf, h[:]...)
	return buf
}

// encodeBody serializes a block's transactions, length-prefixed.
func encodeBody(b *types.Block) []byte {
	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.Transactions)))
	buf = append(buf, countBuf[:]...)
	for _, tx := range b.Transactions {
		encoded := tx.Bytes()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, encoded...)
	}
	return buf
}
