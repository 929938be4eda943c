// Package driver implements the ConsensusDriver (spec component G): the
// glue between the transaction pool, the network transport, the consensus
// state machine, the scheduler, and durable storage. It is the only
// component that calls consensus.Machine.StartHeight, and the only one
// that decides when a height's writes become durable.
//
// Grounded on the driver responsibilities in spec §4.5, and on the
// teacher's top-level wiring in cmd/warren/main.go (construct
// collaborators, wire them together, run until signaled) for the overall
// shape of Driver.Start.
package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warrenledger/pkg/consensus"
	cstore "github.com/cuemby/warrenledger/pkg/consensus/store"
	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/pool"
	"github.com/cuemby/warrenledger/pkg/scheduler"
	"github.com/cuemby/warrenledger/pkg/statestore"
	"github.com/rs/zerolog"
)

// Config configures a Driver.
type Config struct {
	ProposeBatchSize int // max transactions drained per proposed block

	// VoteStore, if set, archives every vote the driver sends or receives
	// for crash recovery. Optional: nil leaves vote durability to the
	// consensus.Machine's in-memory state alone, as it is in tests.
	VoteStore *cstore.Store
}

// Driver binds the pool, the network transport, the scheduler, and
// storage to a consensus.Machine, and owns the goroutine-serialized event
// loop that reacts to the machine's outbound messages.
type Driver struct {
	mu sync.Mutex

	machine   *consensus.Machine
	pool      *pool.Pool
	scheduler *scheduler.Scheduler
	state     *statestore.Store
	storage   iface.StorageBackend
	broadcast iface.Broadcast
	executor  iface.Executor

	batchSize int
	parent    hash.Hash256

	proposalPayloads map[hash.Hash256][]byte
	voteStore        *cstore.Store
	logger           zerolog.Logger
}

// New constructs a Driver. Call Start once all collaborators are ready.
func New(
	machine *consensus.Machine,
	txPool *pool.Pool,
	sched *scheduler.Scheduler,
	state *statestore.Store,
	store iface.StorageBackend,
	broadcast iface.Broadcast,
	executor iface.Executor,
	cfg Config,
) *Driver {
	if cfg.ProposeBatchSize <= 0 {
		cfg.ProposeBatchSize = 256
	}
	return &Driver{
		machine:          machine,
		pool:             txPool,
		scheduler:        sched,
		state:            state,
		storage:          store,
		broadcast:        broadcast,
		executor:         executor,
		batchSize:        cfg.ProposeBatchSize,
		proposalPayloads: make(map[hash.Hash256][]byte),
		voteStore:        cfg.VoteStore,
		logger:           log.WithComponent("driver"),
	}
}

// archiveVote durably appends an encoded vote frame to the vote store, if
// one is configured. Failures are logged, not propagated: the in-memory
// consensus.Machine has already accepted the vote, and losing the durable
// archive only degrades crash-recovery fidelity rather than correctness of
// the running replica.
func (d *Driver) archiveVote(height uint64, payload []byte) {
	if d.voteStore == nil {
		return
	}
	if err := d.voteStore.AppendVote(height, payload); err != nil {
		d.logger.Warn().Err(err).Uint64("height", height).Msg("failed to archive vote")
	}
}

// persistLock saves the machine's current locked value for height, if a
// lock is held and a vote store is configured, so a crash mid-height does
// not forget a lock and risk equivocating on resume.
func (d *Driver) persistLock(height uint64) {
	if d.voteStore == nil {
		return
	}
	round, blockHash, ok := d.machine.LockedValue()
	if !ok {
		return
	}
	if err := d.voteStore.SaveLockedValue(height, round, blockHash); err != nil {
		d.logger.Warn().Err(err).Uint64("height", height).Msg("failed to persist locked value")
	}
}

// Start resumes consensus at the height following the latest persisted
// block, deriving the parent hash from storage's block index. If a locked
// value was archived for that height before a prior crash, it is restored
// before any new proposal or vote is processed.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	latest, err := d.latestHeight()
	if err != nil {
		return fmt.Errorf("driver: reading latest height: %w", err)
	}
	d.parent, err = d.hashAtHeight(latest)
	if err != nil {
		return fmt.Errorf("driver: reading block hash at height %d: %w", latest, err)
	}

	resumeHeight := latest + 1
	d.logger.Info().Uint64("resume_height", resumeHeight).Msg("starting consensus driver")
	msgs := d.machine.StartHeight(resumeHeight)

	if d.voteStore != nil {
		round, blockHash, ok, err := d.voteStore.LoadLockedValue(resumeHeight)
		if err != nil {
			return fmt.Errorf("driver: loading persisted locked value for height %d: %w", resumeHeight, err)
		}
		if ok {
			d.machine.RestoreLocked(round, blockHash)
			d.logger.Info().Uint64("height", resumeHeight).Uint32("round", round).Str("block", blockHash.String()).Msg("restored locked value after restart")
		}
	}

	d.dispatch(ctx, msgs)
	return nil
}

func (d *Driver) latestHeight() (uint64, error) {
	v, ok, err := d.storage.Get(iface.ColumnMeta, []byte(iface.MetaLatestBlock))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("driver: no latest_block recorded; has genesis been initialized?")
	}
	return binary.BigEndian.Uint64(v), nil
}

func (d *Driver) hashAtHeight(height uint64) (hash.Hash256, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], height)
	v, ok, err := d.storage.Get(iface.ColumnBlockIndex, key[:])
	if err != nil {
		return hash.Hash256{}, err
	}
	if !ok {
		return hash.Hash256{}, fmt.Errorf("driver: no block indexed at height %d", height)
	}
	var h hash.Hash256
	copy(h[:], v)
	return h, nil
}

// dispatch processes the machine's outbound messages, and whatever
// further messages handling them produces, as an explicit queue rather
// than through recursive calls: a chain that always reaches quorum
// locally (e.g. a single-validator devnet) would otherwise finalize
// height after height in an ever-deepening call stack. d.mu is held for
// the whole pass, which is correct: the machine itself is only ever
// touched while d.mu is held (see Start, onArmTimeout's timer callback,
// and OnNetworkMessage).
func (d *Driver) dispatch(ctx context.Context, msgs []consensus.Message) {
	queue := append([]consensus.Message(nil), msgs...)
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		switch m := msg.(type) {
		case consensus.CreateBlock:
			queue = append(queue, d.onCreateBlock(m)...)
		case consensus.OutboundProposal:
			d.onOutboundProposal(ctx, m)
		case consensus.OutboundVote:
			d.onOutboundVote(ctx, m)
		case consensus.Finalized:
			queue = append(queue, d.onFinalized(m)...)
		case consensus.ArmTimeout:
			d.onArmTimeout(m)
		}
	}
	d.persistLock(d.machine.Height())
}

func (d *Driver) onCreateBlock(m consensus.CreateBlock) []consensus.Message {
	txs := d.pool.Drain(d.batchSize)
	payload := encodeTxs(txs)

	var hbuf [8]byte
	binary.BigEndian.PutUint64(hbuf[:], m.Height)
	var rbuf [4]byte
	binary.BigEndian.PutUint32(rbuf[:], m.Round)
	blockHash := hash.Sum2(append(append([]byte{}, hbuf[:]...), rbuf[:]...), payload)

	d.proposalPayloads[blockHash] = payload
	d.logger.Debug().Uint64("height", m.Height).Uint32("round", m.Round).Int("tx_count", len(txs)).Msg("assembled block proposal")

	return d.machine.ProposeBlock(blockHash, uint64(time.Now().Unix()), payload)
}

func (d *Driver) onOutboundProposal(ctx context.Context, m consensus.OutboundProposal) {
	if err := d.broadcast.Broadcast(ctx, encodeProposal(m.Proposal)); err != nil {
		d.logger.Warn().Err(err).Msg("failed to broadcast proposal")
	}
}

func (d *Driver) onOutboundVote(ctx context.Context, m consensus.OutboundVote) {
	frame := encodeVote(m.Vote)
	d.archiveVote(m.Vote.Height, frame)
	if err := d.broadcast.Broadcast(ctx, frame); err != nil {
		d.logger.Warn().Err(err).Msg("failed to broadcast vote")
	}
}

func (d *Driver) onArmTimeout(m consensus.ArmTimeout) {
	time.AfterFunc(time.Duration(m.Duration)*time.Millisecond, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.dispatch(context.Background(), d.machine.OnTimeout(m.Height, m.Round, m.Step))
	})
}

func (d *Driver) onFinalized(m consensus.Finalized) []consensus.Message {
	latest, err := d.latestHeight()
	if err != nil {
		d.logger.Error().Err(err).Msg("finalized handler could not read latest height")
		return nil
	}
	if m.Height <= latest {
		d.logger.Debug().Uint64("height", m.Height).Msg("finalized height already persisted, skipping")
		return nil
	}

	payload, ok := d.proposalPayloads[m.BlockHash]
	if !ok {
		d.logger.Error().Uint64("height", m.Height).Str("block", m.BlockHash.String()).Msg("no cached payload for finalized block")
		return nil
	}
	delete(d.proposalPayloads, m.BlockHash)

	txs, err := decodeTxs(payload)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to decode finalized block payload")
		return nil
	}

	block := types.NewBlock(m.Height, d.parent, txs, time.Now())
	result, err := d.scheduler.Schedule(block, d.state, d.executor)
	if err != nil {
		d.logger.Error().Err(err).Uint64("height", m.Height).Msg("scheduling finalized block failed")
		return nil
	}

	if err := d.persist(block, result); err != nil {
		d.logger.Error().Err(err).Uint64("height", m.Height).Msg("persisting finalized block failed")
		return nil
	}

	d.pool.Remove(txs)
	d.parent = block.Hash()

	d.logger.Info().Uint64("height", m.Height).Int("confirmed", len(result.Confirmed)).Str("state_root", result.StateRoot.String()).Msg("block persisted")

	return d.machine.StartHeight(m.Height + 1)
}

func (d *Driver) persist(block *types.Block, result *scheduler.Result) error {
	blockHash := block.Hash()

	if err := d.storage.Put(iface.ColumnHeaders, blockHash[:], encodeHeader(block)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := d.storage.Put(iface.ColumnBodies, blockHash[:], encodeTxs(block.Transactions)); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if err := d.storage.Put(iface.ColumnReceipts, blockHash[:], encodeReceipts(result)); err != nil {
		return fmt.Errorf("writing receipts: %w", err)
	}

	var heightKey [8]byte
	binary.BigEndian.PutUint64(heightKey[:], block.Height)
	if err := d.storage.Put(iface.ColumnBlockIndex, heightKey[:], blockHash[:]); err != nil {
		return fmt.Errorf("indexing block: %w", err)
	}
	if err := d.storage.Put(iface.ColumnMeta, []byte(iface.MetaLatestBlock), heightKey[:]); err != nil {
		return fmt.Errorf("writing latest_block: %w", err)
	}
	if err := d.storage.Put(iface.ColumnMeta, []byte(iface.MetaFinalizedBlock), heightKey[:]); err != nil {
		return fmt.Errorf("writing finalized_block: %w", err)
	}
	return nil
}

func encodeHeader(b *types.Block) []byte {
	buf := make([]byte, 0, 8+hash.Size+hash.Size+8)
	buf = appendUint64(buf, b.Height)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, b.TransactionsHash[:]...)
	buf = appendUint64(buf, uint64(b.Timestamp.UnixNano()))
	return buf
}

// encodeReceipts serializes one success byte and reason-length-prefixed
// reason string per confirmed transaction, in confirmation order.
func encodeReceipts(result *scheduler.Result) []byte {
	var buf []byte
	buf = appendUint32(buf, uint32(len(result.Confirmed)))
	for _, etx := range result.Confirmed {
		success := byte(0)
		if etx.Result.Success {
			success = 1
		}
		buf = append(buf, success)
		reason := []byte(etx.Result.Reason)
		buf = appendUint32(buf, uint32(len(reason)))
		buf = append(buf, reason...)
	}
	return buf
}

// OnNetworkMessage decodes an inbound wire frame and feeds it to the
// consensus machine. It is the Handler passed to pkg/rpc's server.
func (d *Driver) OnNetworkMessage(ctx context.Context, from string, payload []byte) error {
	tag, err := envelopeTag(payload)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch tag {
	case tagProposal:
		p, err := decodeProposal(payload)
		if err != nil {
			return err
		}
		d.proposalPayloads[p.BlockHash] = p.TxData
		d.dispatch(ctx, d.machine.OnProposal(p))
	case tagVote:
		v, err := decodeVote(payload)
		if err != nil {
			return err
		}
		d.archiveVote(v.Height, payload)
		d.dispatch(ctx, d.machine.OnVote(v))
	default:
		return fmt.Errorf("driver: unknown wire tag %d from %s", tag, from)
	}
	return nil
}

// SubmitTransaction admits tx into the pool for future proposal.
func (d *Driver) SubmitTransaction(tx *types.Transaction) (pool.RejectReason, bool) {
	return d.pool.Insert(tx)
}
