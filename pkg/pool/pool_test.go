package pool

import (
	"testing"

	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(n byte) types.Address {
	var a types.Address
	a[0] = n
	return a
}

// fakeRecover derives a sender deterministically from the signature's first
// byte, so tests can control sender identity without real cryptography.
func fakeRecover(tx *types.Transaction) (types.Address, error) {
	if tx.Signature[0] == 0xFF {
		return types.Address{}, assertBadSig
	}
	return addr(tx.Signature[0]), nil
}

var assertBadSig = &badSigError{}

type badSigError struct{}

func (*badSigError) Error() string { return "bad signature" }

func newTx(sender byte, nonce uint64) *types.Transaction {
	tx := &types.Transaction{Nonce: nonce, Value: 1}
	tx.Signature[0] = sender
	tx.Signature[1] = byte(nonce) // vary hash per nonce
	return tx
}

func newPool(maxSize int, nonceOf NonceSource) *Pool {
	return New(Config{MaxSize: maxSize, AddressRecoverer: fakeRecover, NonceSource: nonceOf})
}

func TestInsertRejectsBadSignature(t *testing.T) {
	p := newPool(10, nil)
	tx := newTx(0xFF, 0)
	reason, ok := p.Insert(tx)
	assert.False(t, ok)
	assert.Equal(t, ReasonBadSignature, reason)
	assert.Equal(t, 0, p.Len())
}

func TestInsertRejectsDuplicate(t *testing.T) {
	p := newPool(10, nil)
	tx := newTx(1, 0)
	_, ok := p.Insert(tx)
	require.True(t, ok)
	_, ok = p.Insert(tx)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Len())
}

func TestInsertRejectsStaleNonce(t *testing.T) {
	nonceOf := func(types.Address) uint64 { return 5 }
	p := newPool(10, nonceOf)
	reason, ok := p.Insert(newTx(1, 4))
	assert.False(t, ok)
	assert.Equal(t, ReasonNonceTooLow, reason)
}

func TestInsertRejectsWhenFull(t *testing.T) {
	p := newPool(1, nil)
	_, ok := p.Insert(newTx(1, 0))
	require.True(t, ok)
	reason, ok := p.Insert(newTx(2, 0))
	assert.False(t, ok)
	assert.Equal(t, ReasonFull, reason)
}

func TestDrainIsFIFOWithinSender(t *testing.T) {
	p := newPool(10, nil)
	_, _ = p.Insert(newTx(1, 1))
	_, _ = p.Insert(newTx(1, 0))
	_, _ = p.Insert(newTx(1, 2))

	drained := p.Drain(10)
	require.Len(t, drained, 3)
	assert.Equal(t, uint64(0), drained[0].Nonce)
	assert.Equal(t, uint64(1), drained[1].Nonce)
	assert.Equal(t, uint64(2), drained[2].Nonce)
	assert.Equal(t, 0, p.Len())
}

func TestDrainRoundRobinsAcrossSenders(t *testing.T) {
	p := newPool(10, nil)
	_, _ = p.Insert(newTx(1, 0))
	_, _ = p.Insert(newTx(1, 1))
	_, _ = p.Insert(newTx(2, 0))

	drained := p.Drain(2)
	require.Len(t, drained, 2)
	senders := map[byte]bool{drained[0].Signature[0]: true, drained[1].Signature[0]: true}
	assert.True(t, senders[1])
	assert.True(t, senders[2], "round-robin must not starve sender 2 behind sender 1's backlog")
	assert.Equal(t, 1, p.Len())
}

func TestDrainRespectsMax(t *testing.T) {
	p := newPool(10, nil)
	for i := uint64(0); i < 5; i++ {
		_, _ = p.Insert(newTx(1, i))
	}
	drained := p.Drain(3)
	assert.Len(t, drained, 3)
	assert.Equal(t, 2, p.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	p := newPool(10, nil)
	tx := newTx(1, 0)
	_, _ = p.Insert(tx)
	p.Remove([]*types.Transaction{tx})
	assert.Equal(t, 0, p.Len())
	p.Remove([]*types.Transaction{tx})
	assert.Equal(t, 0, p.Len())
}

func TestContainsReflectsPoolState(t *testing.T) {
	p := newPool(10, nil)
	tx := newTx(1, 0)
	assert.False(t, p.Contains(tx.Hash()))
	_, _ = p.Insert(tx)
	assert.True(t, p.Contains(tx.Hash()))
	p.Remove([]*types.Transaction{tx})
	assert.False(t, p.Contains(tx.Hash()))
}
