// Package ownership implements the OwnershipTable (spec component C): a
// concurrent map from state key to the currently dominant PriorityCode.
//
// Grounded on the ownership table in the original Rust scheduler
// (bach-scheduler/src/ownership.rs), which used a DashMap of TxId owners
// behind try_acquire/release/release_all. Go has no DashMap in this node's
// dependency stack, so the same shape is built on a lock-striped map, the
// pattern the spec's design notes recommend for short-lived, never-escaping
// entries.
package ownership

import (
	"sync"

	"github.com/cuemby/warrenledger/pkg/ledger/priority"
	"github.com/cuemby/warrenledger/pkg/metrics"
)

const stripes = 64

type stripe struct {
	mu      sync.Mutex
	entries map[string]priority.Code
}

// Table is a lock-striped concurrent ownership map. The zero value is not
// usable; construct with New.
type Table struct {
	stripes [stripes]*stripe
}

// New returns a freshly allocated, empty OwnershipTable. The scheduler
// allocates one per block; ownership never persists across invocations.
func New() *Table {
	t := &Table{}
	for i := range t.stripes {
		t.stripes[i] = &stripe{entries: make(map[string]priority.Code)}
	}
	return t
}

func (t *Table) stripeFor(key string) *stripe {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return t.stripes[h%stripes]
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Granted bool
	Current priority.Code // populated when Granted is false
}

// Claim atomically examines the entry for key and installs candidate as the
// owner if either no entry exists or candidate strictly dominates (is
// stronger than) the incumbent. The stronger of (incumbent, candidate)
// becomes, or remains, the owner; the weaker is reported back as Current.
func (t *Table) Claim(key string, candidate priority.Code) ClaimResult {
	s := t.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	incumbent, ok := s.entries[key]
	if !ok {
		s.entries[key] = candidate
		return ClaimResult{Granted: true}
	}
	if candidate.Stronger(incumbent) {
		s.entries[key] = candidate
		return ClaimResult{Granted: true}
	}
	if incumbent.Equal(candidate) {
		return ClaimResult{Granted: true}
	}
	metrics.OwnershipContentionTotal.Inc()
	return ClaimResult{Granted: false, Current: incumbent}
}

// Owner returns the current owner of key, or priority.Top if no entry
// exists — logically equivalent to "disowned with the weakest priority",
// which loses to every real priority.
func (t *Table) Owner(key string) priority.Code {
	s := t.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.entries[key]; ok {
		return c
	}
	return priority.Top
}

// Release sets the entry's flag to disowned iff the current owner equals
// candidate. Idempotent if already disowned.
func (t *Table) Release(key string, candidate priority.Code) {
	s := t.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.entries[key]; ok && c.Equal(candidate) {
		s.entries[key] = c.AsReleased()
	}
}

// ReleaseAll releases every key in keys for candidate.
func (t *Table) ReleaseAll(keys []string, candidate priority.Code) {
	for _, k := range keys {
		t.Release(k, candidate)
	}
}
