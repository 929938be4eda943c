// Package pool implements the transaction pool (spec §5): a concurrent
// staging area between transaction intake and block assembly. Transactions
// are admitted once their signature and nonce are plausible, drained by the
// consensus driver when it is this replica's turn to propose, and removed
// once a finalized block confirms them.
//
// Grounded on the sender-bucketed pending-transaction design used by
// Ethereum's transaction pools (core/txpool/legacypool) for FIFO-within-
// sender ordering, and on the teacher's mutex-guarded-struct-plus-zerolog-
// plus-metrics idiom used throughout this module (e.g. pkg/scheduler).
package pool

import (
	"fmt"
	"sync"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AddressRecoverer recovers the sender address from a transaction's
// signature. It is supplied by the node's crypto collaborator; this package
// treats it as opaque.
type AddressRecoverer func(tx *types.Transaction) (types.Address, error)

// NonceSource reports the next nonce the pool should expect for an
// account, so it can reject stale transactions; a nonce ahead of it is
// admitted.
// It is typically backed by the state store's committed account state.
type NonceSource func(addr types.Address) uint64

// RejectReason labels why Insert refused a transaction, used as the
// "reason" label on the rejected-transactions counter.
type RejectReason string

const (
	ReasonBadSignature RejectReason = "bad_signature"
	ReasonNonceTooLow  RejectReason = "nonce_too_low"
	ReasonDuplicate    RejectReason = "duplicate"
	ReasonFull         RejectReason = "pool_full"
)

// entry is one pooled transaction plus the bookkeeping the pool needs that
// the transaction itself does not carry.
type entry struct {
	id     uuid.UUID
	tx     *types.Transaction
	sender types.Address
	hash   string // hex tx hash, used for duplicate detection
}

// Pool holds admitted transactions, grouped by sender so each sender's
// transactions drain in nonce order (FIFO-within-sender). It is safe for
// concurrent insert, remove, and drain from multiple goroutines.
type Pool struct {
	mu        sync.Mutex
	maxSize   int
	recover   AddressRecoverer
	nonceOf   NonceSource
	bySender  map[types.Address][]*entry
	byHash    map[string]*entry
	queueOrder []types.Address // senders in first-seen order, for round-robin drain
	logger    zerolog.Logger
}

// Config configures a Pool.
type Config struct {
	MaxSize          int
	AddressRecoverer AddressRecoverer
	NonceSource      NonceSource
}

// New builds an empty Pool.
func New(cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 8192
	}
	return &Pool{
		maxSize:  cfg.MaxSize,
		recover:  cfg.AddressRecoverer,
		nonceOf:  cfg.NonceSource,
		bySender: make(map[types.Address][]*entry),
		byHash:   make(map[string]*entry),
		logger:   log.WithComponent("pool"),
	}
}

// Insert admits tx into the pool if its signature recovers to a sender and
// its nonce is not stale, returning the reason for rejection otherwise.
func (p *Pool) Insert(tx *types.Transaction) (RejectReason, bool) {
	sender, err := p.recover(tx)
	if err != nil {
		metrics.PoolRejectedTotal.WithLabelValues(string(ReasonBadSignature)).Inc()
		return ReasonBadSignature, false
	}

	h := tx.Hash()
	key := fmt.Sprintf("%x", h[:])

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[key]; exists {
		metrics.PoolRejectedTotal.WithLabelValues(string(ReasonDuplicate)).Inc()
		return ReasonDuplicate, false
	}
	if len(p.byHash) >= p.maxSize {
		metrics.PoolRejectedTotal.WithLabelValues(string(ReasonFull)).Inc()
		return ReasonFull, false
	}
	if p.nonceOf != nil && tx.Nonce < p.nonceOf(sender) {
		metrics.PoolRejectedTotal.WithLabelValues(string(ReasonNonceTooLow)).Inc()
		return ReasonNonceTooLow, false
	}

	e := &entry{id: uuid.New(), tx: tx, sender: sender, hash: key}
	if _, seen := p.bySender[sender]; !seen {
		p.queueOrder = append(p.queueOrder, sender)
	}
	p.bySender[sender] = insertSortedByNonce(p.bySender[sender], e)
	p.byHash[key] = e

	metrics.PoolSize.Set(float64(len(p.byHash)))
	p.logger.Debug().Str("tx_hash", key).Uint64("nonce", tx.Nonce).Msg("transaction admitted to pool")
	return "", true
}

func insertSortedByNonce(list []*entry, e *entry) []*entry {
	i := 0
	for i < len(list) && list[i].tx.Nonce < e.tx.Nonce {
		i++
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// Drain removes and returns up to max transactions, taken round-robin
// across senders (the head of each sender's queue first) so no single
// sender can starve the rest of the pool.
func (p *Pool) Drain(max int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.Transaction
	order := p.queueOrder
	for len(out) < max && len(order) > 0 {
		progressed := false
		next := order[:0:0]
		for _, sender := range order {
			if len(out) >= max {
				next = append(next, sender)
				continue
			}
			list := p.bySender[sender]
			if len(list) == 0 {
				continue
			}
			e := list[0]
			out = append(out, e.tx)
			delete(p.byHash, e.hash)
			list = list[1:]
			if len(list) == 0 {
				delete(p.bySender, sender)
			} else {
				p.bySender[sender] = list
				next = append(next, sender)
			}
			progressed = true
		}
		order = next
		if !progressed {
			break
		}
	}
	p.queueOrder = rebuildQueueOrder(p.bySender, p.queueOrder)

	metrics.PoolSize.Set(float64(len(p.byHash)))
	if len(out) > 0 {
		p.logger.Debug().Int("count", len(out)).Msg("drained transactions from pool")
	}
	return out
}

func rebuildQueueOrder(bySender map[types.Address][]*entry, prior []types.Address) []types.Address {
	fresh := make([]types.Address, 0, len(bySender))
	for _, sender := range prior {
		if _, ok := bySender[sender]; ok {
			fresh = append(fresh, sender)
		}
	}
	return fresh
}

// Remove discards the transactions in txs, typically because they were
// just included in a finalized block. Transactions not present are
// silently ignored (removal is idempotent).
func (p *Pool) Remove(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range txs {
		h := tx.Hash()
		key := fmt.Sprintf("%x", h[:])
		e, ok := p.byHash[key]
		if !ok {
			continue
		}
		delete(p.byHash, key)
		list := p.bySender[e.sender]
		for i, le := range list {
			if le.hash == key {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(p.bySender, e.sender)
		} else {
			p.bySender[e.sender] = list
		}
	}
	p.queueOrder = rebuildQueueOrder(p.bySender, p.queueOrder)
	metrics.PoolSize.Set(float64(len(p.byHash)))
}

// Len reports the number of transactions currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// Contains reports whether a transaction with the given hash is pooled.
func (p *Pool) Contains(h hash.Hash256) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[fmt.Sprintf("%x", h[:])]
	return ok
}
