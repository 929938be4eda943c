package consensus

import (
	"sync"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/ledger/validator"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/metrics"
	"github.com/rs/zerolog"
)

// TimeoutConfig holds the per-step base durations, in milliseconds, and
// whether they scale with the round number. Suggested defaults per the
// design notes: Propose 3000, Prevote 1000, Precommit 1000, Commit 500.
type TimeoutConfig struct {
	ProposeMS     uint64
	PrevoteMS     uint64
	PrecommitMS   uint64
	CommitMS      uint64
	RoundBackoff  bool // linear-in-round multiplier
}

// DefaultTimeoutConfig returns the spec's suggested base durations.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ProposeMS:    3000,
		PrevoteMS:    1000,
		PrecommitMS:  1000,
		CommitMS:     500,
		RoundBackoff: true,
	}
}

func (c TimeoutConfig) durationFor(step Step, round uint32) uint64 {
	var base uint64
	switch step {
	case StepNewRound, StepPropose:
		base = c.ProposeMS
	case StepPrevote:
		base = c.PrevoteMS
	case StepPrecommit:
		base = c.PrecommitMS
	default:
		base = c.CommitMS
	}
	if c.RoundBackoff && round > 0 {
		base *= uint64(round + 1)
	}
	return base
}

type voteKey struct {
	round uint32
	typ   VoteType
}

type roundVotes map[types.Address]Vote

// Machine is the per-replica height/round/step consensus state machine. It
// is single-threaded by design (spec §5 tier 2): callers must serialize
// access, which the embedded mutex enforces defensively.
type Machine struct {
	mu sync.Mutex

	self       types.Address
	validators *validator.Set
	timeouts   TimeoutConfig
	logger     zerolog.Logger

	height uint64
	round  uint32
	step   Step

	lockedValue *hash.Hash256
	lockedRound int64 // -1 sentinel: no lock
	validValue  *hash.Hash256
	validRound  int64

	proposals map[uint32]Proposal
	votes     map[voteKey]roundVotes

	outbox []Message
}

// NewMachine constructs a Machine for self within validators, using
// timeouts for step deadlines. The machine starts idle; call StartHeight
// to begin height 0 (or the node's resumed height).
func NewMachine(self types.Address, validators *validator.Set, timeouts TimeoutConfig) *Machine {
	return &Machine{
		self:        self,
		validators:  validators,
		timeouts:    timeouts,
		logger:      log.WithComponent("consensus"),
		lockedRound: -1,
		validRound:  -1,
	}
}

// Height returns the machine's current height.
func (m *Machine) Height() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// Round returns the machine's current round within the current height.
func (m *Machine) Round() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// Step returns the machine's current step.
func (m *Machine) Step() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// LockedValue returns the round and block hash the machine is currently
// locked on at its current height, and whether a lock is held at all.
func (m *Machine) LockedValue() (round uint32, blockHash hash.Hash256, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockedValue == nil {
		return 0, hash.Hash256{}, false
	}
	return uint32(m.lockedRound), *m.lockedValue, true
}

// RestoreLocked re-establishes a lock carried over from before a crash, for
// the height StartHeight just began. Callers must invoke it immediately
// after StartHeight, before any proposal or vote is processed, since
// StartHeight itself clears any lock as part of resetting round-local
// state.
func (m *Machine) RestoreLocked(round uint32, blockHash hash.Hash256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := blockHash
	m.lockedValue = &v
	m.lockedRound = int64(round)
	m.validValue = &v
	m.validRound = int64(round)
}

// StartHeight resets all round-local state and begins height h at round 0.
func (m *Machine) StartHeight(h uint64) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.height = h
	m.lockedValue = nil
	m.lockedRound = -1
	m.validValue = nil
	m.validRound = -1
	m.proposals = make(map[uint32]Proposal)
	m.votes = make(map[voteKey]roundVotes)

	metrics.ConsensusHeight.Set(float64(h))
	m.logger.Info().Uint64("height", h).Msg("starting height")

	m.enterRound(0)
	return m.drain()
}

// enterRound must be called with mu held. It resets step to NewRound for
// round r and either emits CreateBlock (if self is proposer) or arms the
// propose timeout.
func (m *Machine) enterRound(r uint32) {
	m.round = r
	m.step = StepNewRound
	metrics.ConsensusRound.Set(float64(r))
	metrics.ConsensusRoundsTotal.Inc()

	logger := log.WithRound(m.height, r)
	proposer, ok := m.validators.Proposer(m.height, r)
	if ok && proposer.Address == m.self {
		logger.Debug().Msg("self is proposer, requesting block assembly")
		m.emit(CreateBlock{Height: m.height, Round: r})
	} else {
		m.armTimeout(StepPropose)
	}

	// A proposal for this round may have already arrived while we were in
	// an earlier round (out-of-order delivery); process it immediately.
	if p, ok := m.proposals[r]; ok && m.step == StepNewRound {
		m.handleProposal(p)
	}
}

func (m *Machine) armTimeout(step Step) {
	m.emit(ArmTimeout{
		Height:   m.height,
		Round:    m.round,
		Step:     step,
		Duration: m.timeouts.durationFor(step, m.round),
	})
}

func (m *Machine) emit(msg Message) {
	m.outbox = append(m.outbox, msg)
}

func (m *Machine) drain() []Message {
	out := m.outbox
	m.outbox = nil
	return out
}

// ProposeBlock is invoked by the driver once it has assembled a block
// payload in response to a CreateBlock message; the machine treats the
// proposal as if it arrived over the network.
func (m *Machine) ProposeBlock(blockHash hash.Hash256, timestamp uint64, txData []byte) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := Proposal{
		Height:    m.height,
		Round:     m.round,
		BlockHash: blockHash,
		Proposer:  m.self,
		Timestamp: timestamp,
		TxData:    txData,
	}
	m.emit(OutboundProposal{Proposal: p})
	m.proposals[p.Round] = p
	if m.step == StepNewRound && p.Round == m.round {
		m.handleProposal(p)
	}
	return m.drain()
}

// OnProposal processes a proposal received from the network.
func (m *Machine) OnProposal(p Proposal) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Height != m.height {
		return nil // WrongHeight: silently ignored
	}
	proposer, ok := m.validators.Proposer(p.Height, p.Round)
	if !ok || proposer.Address != p.Proposer {
		m.logger.Warn().Uint32("round", p.Round).Msg("proposal from non-proposer, discarding")
		return nil
	}

	m.proposals[p.Round] = p
	if p.Round == m.round && m.step == StepNewRound {
		m.handleProposal(p)
	}
	return m.drain()
}

// handleProposal must be called with mu held, for a proposal at the
// current round while still in NewRound.
func (m *Machine) handleProposal(p Proposal) {
	m.step = StepPropose

	var vote *hash.Hash256
	if m.lockedValue == nil || *m.lockedValue == p.BlockHash {
		h := p.BlockHash
		vote = &h
	} // else: locked on a different value, prevote nil

	m.castPrevote(vote)
}

func (m *Machine) castPrevote(blockHash *hash.Hash256) {
	m.step = StepPrevote
	v := Vote{Type: Prevote, Height: m.height, Round: m.round, BlockHash: blockHash, Voter: m.self}
	m.recordVote(v)
	m.emit(OutboundVote{Vote: v})
	m.armTimeout(StepPrevote)
}

func (m *Machine) castPrecommit(blockHash *hash.Hash256) {
	m.step = StepPrecommit
	v := Vote{Type: Precommit, Height: m.height, Round: m.round, BlockHash: blockHash, Voter: m.self}
	m.recordVote(v)
	m.emit(OutboundVote{Vote: v})
	m.armTimeout(StepPrecommit)
}

// OnVote processes a vote received from the network (or cast by self via
// recordVote, which bypasses this entry point).
func (m *Machine) OnVote(v Vote) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.Height != m.height {
		return nil
	}
	if !m.validators.Contains(v.Voter) {
		return nil
	}
	if m.recordVote(v) {
		m.evaluateRound(v.Round, v.Type)
	}
	return m.drain()
}

// recordVote stores v, ignoring a duplicate (type, height, round, voter).
// Returns whether it was newly recorded.
func (m *Machine) recordVote(v Vote) bool {
	key := voteKey{round: v.Round, typ: v.Type}
	if m.votes == nil {
		m.votes = make(map[voteKey]roundVotes)
	}
	rv, ok := m.votes[key]
	if !ok {
		rv = make(roundVotes)
		m.votes[key] = rv
	}
	if _, dup := rv[v.Voter]; dup {
		return false
	}
	rv[v.Voter] = v
	return true
}

// tallies returns, for the votes recorded at (round, typ), the voting
// power behind each distinct block hash (nil key = nil votes).
func (m *Machine) tallies(round uint32, typ VoteType) map[hash.Hash256]uint64 {
	rv := m.votes[voteKey{round: round, typ: typ}]
	out := make(map[hash.Hash256]uint64)
	for voter, v := range rv {
		val, ok := m.validators.Get(voter)
		if !ok {
			continue
		}
		key := hash.Hash256{}
		if v.BlockHash != nil {
			key = *v.BlockHash
		} else {
			key = nilVoteKey
		}
		out[key] += val.VotingPower
	}
	return out
}

// nilVoteKey is an unreachable content hash (all 0xff) used as the map key
// representing a nil vote's tally bucket; no real block hash collides with
// it in practice, and even a collision would only merge two tallies
// conservatively rather than cause unsoundness.
var nilVoteKey = hash.Hash256{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// evaluateRound checks whether the vote just recorded at (round, typ)
// produced a quorum and, if so, advances the machine. Must be called with
// mu held.
func (m *Machine) evaluateRound(round uint32, typ VoteType) {
	tallies := m.tallies(round, typ)

	switch typ {
	case Prevote:
		m.evaluatePrevotes(round, tallies)
	case Precommit:
		m.evaluatePrecommits(round, tallies)
	}
}

func (m *Machine) evaluatePrevotes(round uint32, tallies map[hash.Hash256]uint64) {
	for key, power := range tallies {
		if !m.validators.HasQuorum(power) {
			continue
		}
		if key == nilVoteKey {
			if round == m.round && m.step == StepPrevote {
				m.castPrecommit(nil)
			}
			continue
		}

		v := key
		if int64(round) >= m.validRound {
			m.validValue = &v
			m.validRound = int64(round)
		}
		if m.lockedValue == nil || (int64(round) > m.lockedRound && *m.lockedValue != v) {
			m.lockedValue = &v
			m.lockedRound = int64(round)
		}
		if round == m.round && m.step == StepPrevote {
			m.castPrecommit(&v)
		}
	}
}

func (m *Machine) evaluatePrecommits(round uint32, tallies map[hash.Hash256]uint64) {
	if round != m.round || m.step != StepPrecommit {
		return
	}
	for key, power := range tallies {
		if !m.validators.HasQuorum(power) {
			continue
		}
		if key == nilVoteKey {
			m.enterRound(m.round + 1)
			return
		}
		m.finalize(round, key)
		return
	}
}

func (m *Machine) finalize(round uint32, blockHash hash.Hash256) {
	m.step = StepCommit
	commit := Commit{Height: m.height, Round: round, BlockHash: blockHash}
	for _, v := range m.votes[voteKey{round: round, typ: Precommit}] {
		if v.BlockHash != nil && *v.BlockHash == blockHash {
			commit.Votes = append(commit.Votes, v)
		}
	}
	m.logger.Info().Uint64("height", m.height).Uint32("round", round).Str("block", blockHash.String()).Msg("height finalized")
	m.emit(Finalized{Height: m.height, BlockHash: blockHash, Commit: commit})
	// The driver advances to the next height (StartHeight) once it has
	// durably persisted this one; the machine does not do so itself.
}

// OnTimeout processes a timeout previously armed via ArmTimeout. Stale
// timers — whose (height, round, step) no longer matches current state —
// are ignored.
func (m *Machine) OnTimeout(height uint64, round uint32, step Step) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height != m.height || round != m.round {
		return nil
	}

	switch step {
	case StepPropose:
		if m.step == StepNewRound {
			m.step = StepPropose
			m.castPrevote(nil)
		}
	case StepPrevote:
		if m.step == StepPrevote {
			rv := m.votes[voteKey{round: round, typ: Prevote}]
			voters := make([]types.Address, 0, len(rv))
			for voter := range rv {
				voters = append(voters, voter)
			}
			if m.validators.HasLivenessThreshold(m.validators.PowerOf(voters)) {
				m.castPrecommit(nil)
			}
		}
	case StepPrecommit:
		if m.step == StepPrecommit {
			m.enterRound(m.round + 1)
		}
	}
	return m.drain()
}
