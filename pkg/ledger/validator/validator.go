// Package validator holds the consensus validator set: the ordered list of
// participants and their voting power, proposer selection, and the
// quorum/liveness thresholds the consensus state machine checks against.
//
// Grounded on the Rust ValidatorSet (original_source/rust/crates/bach-consensus/src/types.rs).
package validator

import "github.com/cuemby/warrenledger/pkg/ledger/types"

// Validator is one consensus participant.
type Validator struct {
	Address     types.Address
	VotingPower uint64
}

// Set is an immutable-by-convention list of validators plus their summed
// voting power. Construct with NewSet; do not mutate Validators in place
// once built, since TotalPower would go stale.
type Set struct {
	validators []Validator
	totalPower uint64
}

// NewSet builds a validator set from validators, summing their voting
// power once up front.
func NewSet(validators []Validator) *Set {
	var total uint64
	for _, v := range validators {
		total += v.VotingPower
	}
	cp := make([]Validator, len(validators))
	copy(cp, validators)
	return &Set{validators: cp, totalPower: total}
}

// Len reports the number of validators.
func (s *Set) Len() int { return len(s.validators) }

// IsEmpty reports whether the set has no validators.
func (s *Set) IsEmpty() bool { return len(s.validators) == 0 }

// TotalPower returns the sum of all validators' voting power.
func (s *Set) TotalPower() uint64 { return s.totalPower }

// Validators returns the set's validators in their fixed order. Callers
// must not mutate the returned slice.
func (s *Set) Validators() []Validator { return s.validators }

// Get returns the validator at address, if present.
func (s *Set) Get(address types.Address) (Validator, bool) {
	for _, v := range s.validators {
		if v.Address == address {
			return v, true
		}
	}
	return Validator{}, false
}

// Contains reports whether address is a validator in this set.
func (s *Set) Contains(address types.Address) bool {
	_, ok := s.Get(address)
	return ok
}

// Proposer returns the validator responsible for proposing at (height,
// round), selected round-robin over (height + round) mod len. Returns
// false if the set is empty.
func (s *Set) Proposer(height uint64, round uint32) (Validator, bool) {
	if len(s.validators) == 0 {
		return Validator{}, false
	}
	index := (height + uint64(round)) % uint64(len(s.validators))
	return s.validators[index], true
}

// HasQuorum reports whether power represents a strict supermajority
// (> 2/3) of total voting power, the threshold for a prevote or precommit
// quorum.
func (s *Set) HasQuorum(power uint64) bool {
	return power*3 > s.totalPower*2
}

// HasLivenessThreshold reports whether power represents at least 1/3 of
// total voting power, the threshold at which the round-skip-on-any-prevote
// rule can fire.
func (s *Set) HasLivenessThreshold(power uint64) bool {
	return power*3 >= s.totalPower
}

// PowerOf sums the voting power of the addresses in voters that are
// members of this set; addresses not in the set contribute nothing.
func (s *Set) PowerOf(voters []types.Address) uint64 {
	var power uint64
	for _, addr := range voters {
		if v, ok := s.Get(addr); ok {
			power += v.VotingPower
		}
	}
	return power
}
