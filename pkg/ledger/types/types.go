// Package types defines the ledger's core data model: transactions, blocks,
// and their deterministic hashes (spec component H).
package types

import (
	"time"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
)

// Address identifies an account. It is opaque to this package; recovery
// from a signature is left to the external crypto collaborator.
type Address [20]byte

// String returns addr as lowercase hex, with no 0x prefix.
func (a Address) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(a)*2)
	for i, b := range a {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// Transaction is a single client-submitted operation.
type Transaction struct {
	Nonce     uint64
	To        *Address // nil for contract creation
	Value     uint64
	Payload   []byte
	Signature [65]byte
}

// SigningBytes returns the canonical encoding of the transaction excluding
// its signature; the sender is recovered by verifying a signature over
// this byte string.
func (t *Transaction) SigningBytes() []byte {
	return encodeTx(t, false)
}

// Bytes returns the canonical encoding of the transaction including its
// signature.
func (t *Transaction) Bytes() []byte {
	return encodeTx(t, true)
}

// Hash is the content hash of the transaction's canonical encoding,
// including the signature.
func (t *Transaction) Hash() hash.Hash256 {
	return hash.Sum(t.Bytes())
}

func encodeTx(t *Transaction, withSig bool) []byte {
	buf := make([]byte, 0, 8+1+20+8+len(t.Payload)+65)
	buf = appendUint64(buf, t.Nonce)
	if t.To != nil {
		buf = append(buf, 1)
		buf = append(buf, t.To[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUint64(buf, t.Value)
	buf = append(buf, t.Payload...)
	if withSig {
		buf = append(buf, t.Signature[:]...)
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return append(buf, b[:]...)
}

// Block is an ordered batch of transactions agreed upon by consensus for one
// height.
type Block struct {
	Height         uint64
	ParentHash     hash.Hash256
	Transactions   []*Transaction
	Timestamp      time.Time
	TransactionsHash hash.Hash256
}

// ComputeTransactionsHash computes the hash-of-concatenated-tx-hashes
// defined by the spec; an empty block hashes to hash.Empty.
func ComputeTransactionsHash(txs []*Transaction) hash.Hash256 {
	if len(txs) == 0 {
		return hash.Empty
	}
	buf := make([]byte, 0, len(txs)*hash.Size)
	for _, tx := range txs {
		h := tx.Hash()
		buf = append(buf, h[:]...)
	}
	return hash.Sum(buf)
}

// NewBlock constructs a block and computes its transactions hash.
func NewBlock(height uint64, parent hash.Hash256, txs []*Transaction, ts time.Time) *Block {
	return &Block{
		Height:           height,
		ParentHash:       parent,
		Transactions:     txs,
		Timestamp:        ts,
		TransactionsHash: ComputeTransactionsHash(txs),
	}
}

// Hash binds height, parent, transactions-hash, and timestamp.
func (b *Block) Hash() hash.Hash256 {
	buf := make([]byte, 0, 8+hash.Size+hash.Size+8)
	buf = appendUint64(buf, b.Height)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, b.TransactionsHash[:]...)
	buf = appendUint64(buf, uint64(b.Timestamp.UnixNano()))
	return hash.Sum(buf)
}
