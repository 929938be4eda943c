// Package consensus implements the TBFT-style height/round/step state
// machine (spec component F): a replicated protocol that drives every
// replica to agree on an identical block before the scheduler executes it.
//
// Grounded on the Rust consensus types (original_source/rust/crates/bach-consensus/src/types.rs)
// for the wire message shapes, and on the round-schedule table in spec §4.4
// for the state machine itself.
package consensus

import (
	"encoding/binary"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
)

// VoteType distinguishes the two voting rounds within a consensus round.
type VoteType uint8

const (
	Prevote VoteType = iota
	Precommit
)

func (t VoteType) String() string {
	if t == Prevote {
		return "prevote"
	}
	return "precommit"
}

// Vote is a single validator's vote for a block (or nil) at a given height
// and round.
type Vote struct {
	Type      VoteType
	Height    uint64
	Round     uint32
	BlockHash *hash.Hash256 // nil means a nil vote
	Voter     types.Address
	Signature [65]byte
}

// IsNil reports whether this is a nil vote.
func (v Vote) IsNil() bool { return v.BlockHash == nil }

// SigningBytes is the canonical message a voter signs: vote type, height,
// round, and block hash if present.
func (v Vote) SigningBytes() []byte {
	buf := make([]byte, 0, 1+8+4+hash.Size)
	buf = append(buf, byte(v.Type))
	buf = appendUint64LE(buf, v.Height)
	buf = appendUint32LE(buf, v.Round)
	if v.BlockHash != nil {
		buf = append(buf, v.BlockHash[:]...)
	}
	return buf
}

// Proposal is a proposer's claim that a given block hash should be agreed
// upon at (height, round). TxData carries the block payload so peers can
// decode it once finalized; it is not covered by the proposal's signature.
type Proposal struct {
	Height    uint64
	Round     uint32
	BlockHash hash.Hash256
	Proposer  types.Address
	Timestamp uint64 // unix seconds
	Signature [65]byte
	TxData    []byte
}

// SigningBytes is the canonical message a proposer signs.
func (p Proposal) SigningBytes() []byte {
	buf := make([]byte, 0, 8+4+hash.Size+8)
	buf = appendUint64LE(buf, p.Height)
	buf = appendUint32LE(buf, p.Round)
	buf = append(buf, p.BlockHash[:]...)
	buf = appendUint64LE(buf, p.Timestamp)
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32LE(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// Commit is the aggregated set of precommit votes that finalized a block.
type Commit struct {
	Height    uint64
	Round     uint32
	BlockHash hash.Hash256
	Votes     []Vote
}

// Step names a phase within one consensus round.
type Step uint8

const (
	StepNewRound Step = iota
	StepPropose
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepNewRound:
		return "new_round"
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Message is anything the state machine emits for the driver to act on.
// Concrete types: CreateBlock, OutboundProposal, OutboundVote, Finalized,
// ArmTimeout.
type Message interface {
	isMessage()
}

// CreateBlock asks the driver to assemble a block payload for (Height,
// Round) because this replica is the proposer.
type CreateBlock struct {
	Height uint64
	Round  uint32
}

func (CreateBlock) isMessage() {}

// OutboundProposal asks the driver to broadcast a proposal this replica
// produced.
type OutboundProposal struct {
	Proposal Proposal
}

func (OutboundProposal) isMessage() {}

// OutboundVote asks the driver to broadcast a vote this replica cast.
type OutboundVote struct {
	Vote Vote
}

func (OutboundVote) isMessage() {}

// Finalized reports that the machine reached a precommit quorum for a
// block at Height.
type Finalized struct {
	Height    uint64
	BlockHash hash.Hash256
	Commit    Commit
}

func (Finalized) isMessage() {}

// ArmTimeout asks the driver to schedule a callback into OnTimeout after
// Duration, tagged so a stale timer firing after the step has moved on is
// harmlessly ignored.
type ArmTimeout struct {
	Height   uint64
	Round    uint32
	Step     Step
	Duration uint64 // milliseconds
}

func (ArmTimeout) isMessage() {}
