package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/warrenledger/pkg/consensus"
	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
)

// Wire envelope tags distinguishing a consensus.Proposal from a
// consensus.Vote on the broadcast transport.
const (
	tagProposal byte = iota
	tagVote
)

func encodeProposal(p consensus.Proposal) []byte {
	buf := make([]byte, 0, 1+8+4+hash.Size+20+8+4+len(p.TxData)+65)
	buf = append(buf, tagProposal)
	buf = appendUint64(buf, p.Height)
	buf = appendUint32(buf, p.Round)
	buf = append(buf, p.BlockHash[:]...)
	buf = append(buf, p.Proposer[:]...)
	buf = appendUint64(buf, p.Timestamp)
	buf = append(buf, p.Signature[:]...)
	buf = appendUint32(buf, uint32(len(p.TxData)))
	buf = append(buf, p.TxData...)
	return buf
}

func decodeProposal(b []byte) (consensus.Proposal, error) {
	var p consensus.Proposal
	const fixed = 1 + 8 + 4 + hash.Size + 20 + 8 + 65 + 4
	if len(b) < fixed {
		return p, fmt.Errorf("driver: proposal frame too short (%d bytes)", len(b))
	}
	i := 1
	p.Height, i = readUint64(b, i)
	var round32 uint32
	round32, i = readUint32(b, i)
	p.Round = round32
	copy(p.BlockHash[:], b[i:i+hash.Size])
	i += hash.Size
	copy(p.Proposer[:], b[i:i+20])
	i += 20
	p.Timestamp, i = readUint64(b, i)
	copy(p.Signature[:], b[i:i+65])
	i += 65
	var txLen uint32
	txLen, i = readUint32(b, i)
	if len(b) < i+int(txLen) {
		return p, fmt.Errorf("driver: proposal tx_data truncated")
	}
	p.TxData = append([]byte(nil), b[i:i+int(txLen)]...)
	return p, nil
}

func encodeVote(v consensus.Vote) []byte {
	hasHash := byte(0)
	if v.BlockHash != nil {
		hasHash = 1
	}
	buf := make([]byte, 0, 1+1+8+4+1+hash.Size+20+65)
	buf = append(buf, tagVote, byte(v.Type))
	buf = appendUint64(buf, v.Height)
	buf = appendUint32(buf, v.Round)
	buf = append(buf, hasHash)
	if v.BlockHash != nil {
		buf = append(buf, v.BlockHash[:]...)
	}
	buf = append(buf, v.Voter[:]...)
	buf = append(buf, v.Signature[:]...)
	return buf
}

func decodeVote(b []byte) (consensus.Vote, error) {
	var v consensus.Vote
	const fixed = 1 + 1 + 8 + 4 + 1 + 20 + 65
	if len(b) < fixed {
		return v, fmt.Errorf("driver: vote frame too short (%d bytes)", len(b))
	}
	i := 1
	v.Type = consensus.VoteType(b[i])
	i++
	v.Height, i = readUint64(b, i)
	var round32 uint32
	round32, i = readUint32(b, i)
	v.Round = round32
	hasHash := b[i]
	i++
	if hasHash == 1 {
		if len(b) < i+hash.Size {
			return v, fmt.Errorf("driver: vote frame truncated block hash")
		}
		var h hash.Hash256
		copy(h[:], b[i:i+hash.Size])
		v.BlockHash = &h
		i += hash.Size
	}
	if len(b) < i+20+65 {
		return v, fmt.Errorf("driver: vote frame truncated tail")
	}
	copy(v.Voter[:], b[i:i+20])
	i += 20
	copy(v.Signature[:], b[i:i+65])
	return v, nil
}

// envelopeTag returns the tag byte of a wire frame, for dispatch before
// full decoding.
func envelopeTag(b []byte) (byte, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("driver: empty wire frame")
	}
	return b[0], nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(b []byte, i int) (uint64, int) {
	return binary.BigEndian.Uint64(b[i : i+8]), i + 8
}

func readUint32(b []byte, i int) (uint32, int) {
	return binary.BigEndian.Uint32(b[i : i+4]), i + 4
}

// encodeTxs frames a transaction list for a proposal payload: a 4-byte
// count followed by each transaction's length-prefixed canonical bytes.
func encodeTxs(txs []*types.Transaction) []byte {
	var buf []byte
	buf = appendUint32(buf, uint32(len(txs)))
	for _, tx := range txs {
		encoded := tx.Bytes()
		buf = appendUint32(buf, uint32(len(encoded)))
		buf = append(buf, encoded...)
	}
	return buf
}

// decodeTxs is the inverse of encodeTxs.
func decodeTxs(b []byte) ([]*types.Transaction, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("driver: tx payload too short")
	}
	count, i := readUint32(b, 0)
	txs := make([]*types.Transaction, 0, count)
	for n := uint32(0); n < count; n++ {
		if len(b) < i+4 {
			return nil, fmt.Errorf("driver: tx payload truncated at entry %d", n)
		}
		var txLen uint32
		txLen, i = readUint32(b, i)
		if len(b) < i+int(txLen) {
			return nil, fmt.Errorf("driver: tx payload truncated body at entry %d", n)
		}
		tx, err := decodeTx(b[i : i+int(txLen)])
		if err != nil {
			return nil, fmt.Errorf("driver: decoding tx %d: %w", n, err)
		}
		txs = append(txs, tx)
		i += int(txLen)
	}
	return txs, nil
}

// decodeTx parses the canonical encoding types.Transaction.Bytes produces:
// nonce(8) | hasTo(1) | [to(20)] | value(8) | payload(rest-65) | signature(65).
func decodeTx(b []byte) (*types.Transaction, error) {
	if len(b) < 8+1+8+65 {
		return nil, fmt.Errorf("driver: transaction frame too short (%d bytes)", len(b))
	}
	tx := &types.Transaction{}
	i := 0
	tx.Nonce, i = readUint64(b, i)
	hasTo := b[i]
	i++
	if hasTo == 1 {
		if len(b) < i+20 {
			return nil, fmt.Errorf("driver: transaction frame truncated recipient")
		}
		var to types.Address
		copy(to[:], b[i:i+20])
		tx.To = &to
		i += 20
	}
	if len(b) < i+8 {
		return nil, fmt.Errorf("driver: transaction frame truncated value")
	}
	tx.Value, i = readUint64(b, i)
	if len(b) < i+65 {
		return nil, fmt.Errorf("driver: transaction frame truncated signature")
	}
	payloadEnd := len(b) - 65
	tx.Payload = append([]byte(nil), b[i:payloadEnd]...)
	copy(tx.Signature[:], b[payloadEnd:])
	return tx, nil
}
