// Package priority implements the totally ordered PriorityCode tag the
// scheduler uses to arbitrate conflicting transactions within one block.
package priority

import (
	"bytes"
	"encoding/binary"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
)

// Code is a tuple (released, height, contentHash) with a total order:
// released=false (owned) sorts before released=true (disowned); ties break
// on ascending height, then on unsigned byte-lexicographic hash. Lower
// always means stronger.
type Code struct {
	Released bool
	Height   uint64
	Content  hash.Hash256
}

// Top is the weakest possible priority: disowned, maximal height and hash.
// It is what an absent OwnershipTable entry is logically equivalent to.
var Top = Code{
	Released: true,
	Height:   ^uint64(0),
	Content:  maxHash(),
}

func maxHash() hash.Hash256 {
	var h hash.Hash256
	for i := range h {
		h[i] = 0xff
	}
	return h
}

// New computes the priority of a transaction within block b, per spec: an
// owned priority at the block's height, with content hash
// H(txHash || blockTxsHash).
func New(height uint64, txHash, blockTxsHash hash.Hash256) Code {
	return Code{
		Released: false,
		Height:   height,
		Content:  hash.Sum2(txHash.Bytes(), blockTxsHash.Bytes()),
	}
}

// Encode produces the 41-byte big-endian encoding described in the spec's
// design notes: [flag:1][height:8 big-endian][hash:32]. Byte-wise comparison
// of the encoding yields the priority total order.
func (c Code) Encode() [41]byte {
	var out [41]byte
	if c.Released {
		out[0] = 1
	}
	binary.BigEndian.PutUint64(out[1:9], c.Height)
	copy(out[9:], c.Content[:])
	return out
}

// Compare returns -1, 0, or 1 as c is stronger than, equal to, or weaker
// than other. "Stronger" means lower in the total order.
func (c Code) Compare(other Code) int {
	a, b := c.Encode(), other.Encode()
	return bytes.Compare(a[:], b[:])
}

// Stronger reports whether c dominates other (c wins a contested key).
func (c Code) Stronger(other Code) bool {
	return c.Compare(other) < 0
}

// AsReleased returns a copy of c with the released flag set, used by
// ownership.Table.Release to mark confirmation-in-progress without deleting
// the entry's priority bits.
func (c Code) AsReleased() Code {
	c.Released = true
	return c
}

// Equal reports whether c and other denote the identical priority
// (including the released flag).
func (c Code) Equal(other Code) bool {
	return c == other
}
