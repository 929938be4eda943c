package node

import (
	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/cuemby/warrenledger/pkg/ledger/rwset"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/pool"
	"github.com/cuemby/warrenledger/pkg/statestore"
)

// RecoverAddress stands in for the external crypto collaborator's
// signature-recovery routine (Non-goals: this repo does not implement a
// production signature scheme): it treats the leading 20 bytes of a
// transaction's signature field as its sender's address. A node wired for
// production use is expected to replace this with a real recoverer before
// constructing its pool.Config.
func RecoverAddress(tx *types.Transaction) (types.Address, error) {
	var addr types.Address
	copy(addr[:], tx.Signature[:len(addr)])
	return addr, nil
}

// NonceSourceFor adapts state's committed account records into a
// pool.NonceSource, so the pool can reject transactions whose nonce is
// already behind the account's committed nonce.
func NonceSourceFor(state *statestore.Store) pool.NonceSource {
	return func(addr types.Address) uint64 {
		raw, ok := state.Get(accountKey(addr))
		if !ok {
			return 0
		}
		acct, err := DecodeAccount(raw)
		if err != nil {
			return 0
		}
		return acct.Nonce
	}
}

// TransferExecutor is the trivial in-memory Executor the spec's Non-goals
// call for: a minimal, clearly-labeled stand-in that moves Value from a
// transaction's recovered sender to its recipient, crediting the recipient
// even without a prior account record. It is not a contract VM and makes
// no claim to be one.
type TransferExecutor struct{}

// Execute implements iface.Executor.
func (TransferExecutor) Execute(tx *types.Transaction, snap iface.Snapshot) (*rwset.Set, iface.ExecutionResult) {
	set := rwset.New()
	if tx.To == nil {
		return set, iface.ExecutionResult{Success: false, Reason: "transfer requires a recipient"}
	}

	sender, err := RecoverAddress(tx)
	if err != nil {
		return set, iface.ExecutionResult{Success: false, Reason: err.Error()}
	}

	senderKey := accountKey(sender)
	recipientKey := accountKey(*tx.To)

	set.RecordRead(senderKey)
	senderRaw, _ := snap.Get(senderKey)
	senderAcct, err := decodeAccountOrZero(senderRaw)
	if err != nil {
		return set, iface.ExecutionResult{Success: false, Reason: err.Error()}
	}
	if senderAcct.Balance < tx.Value {
		return set, iface.ExecutionResult{Success: false, Reason: "insufficient balance"}
	}
	if tx.Nonce != senderAcct.Nonce {
		return set, iface.ExecutionResult{Success: false, Reason: "unexpected nonce"}
	}

	set.RecordRead(recipientKey)
	recipientRaw, _ := snap.Get(recipientKey)
	recipientAcct, err := decodeAccountOrZero(recipientRaw)
	if err != nil {
		return set, iface.ExecutionResult{Success: false, Reason: err.Error()}
	}

	senderAcct.Balance -= tx.Value
	senderAcct.Nonce++
	recipientAcct.Balance += tx.Value

	set.RecordWrite(senderKey, EncodeAccount(senderAcct))
	set.RecordWrite(recipientKey, EncodeAccount(recipientAcct))

	return set, iface.ExecutionResult{Success: true}
}

func decodeAccountOrZero(raw []byte) (Account, error) {
	if raw == nil {
		return Account{}, nil
	}
	return DecodeAccount(raw)
}
