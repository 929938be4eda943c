// Package hash provides the 256-bit content hash used throughout the ledger
// core. It stands in for the cryptographic primitives collaborator named in
// the specification (out of scope for this repo); sha256 is used because no
// third-party hash library is part of this node's wired dependency stack.
package hash

import "crypto/sha256"

// Size is the width, in bytes, of every content hash in the system.
const Size = 32

// Hash256 is a 256-bit content hash.
type Hash256 [Size]byte

// Empty is the hash of an empty byte string, used as the transactions-hash
// of an empty block.
var Empty = Sum(nil)

// Sum computes the content hash of b.
func Sum(b []byte) Hash256 {
	return sha256.Sum256(b)
}

// Sum2 computes the content hash of the concatenation of a and b, avoiding
// an intermediate allocation for the common two-part case (tx-hash ||
// block-transactions-hash, and similar).
func Sum2(a, b []byte) Hash256 {
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	var out Hash256
	copy(out[:], h.Sum(nil))
	return out
}

// Bytes returns h as a byte slice.
func (h Hash256) Bytes() []byte {
	return h[:]
}

// IsZero reports whether h is the all-zero hash.
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// Compare returns -1, 0 or 1 as h is unsigned-byte-lexicographically less
// than, equal to, or greater than other.
func (h Hash256) Compare(other Hash256) int {
	for i := range h {
		if h[i] != other[i] {
			if h[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (h Hash256) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, Size*2)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
