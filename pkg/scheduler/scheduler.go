// Package scheduler implements the Seamless Parallel Scheduler (spec
// component E): optimistic parallel execution of a block's transactions,
// conflict detection through the OwnershipTable, and deterministic
// re-execution of aborted transactions until every transaction in the
// block is confirmed or the block is rejected as unschedulable.
//
// Grounded on the original SeamlessScheduler::schedule implementation
// (original_source/rust/bach-scheduler/src/lib.rs), translated from
// rayon's par_iter fan-out into a bounded goroutine worker pool, and on
// the teacher's scheduler package for its logging and metrics
// conventions.
package scheduler

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/cuemby/warrenledger/pkg/ledger/hash"
	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/cuemby/warrenledger/pkg/ledger/ownership"
	"github.com/cuemby/warrenledger/pkg/ledger/priority"
	"github.com/cuemby/warrenledger/pkg/ledger/rwset"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/metrics"
	"github.com/cuemby/warrenledger/pkg/statestore"
	"github.com/rs/zerolog"
)

// MaxIterations bounds the conflict-resolution loop. A block that does not
// converge within this many rounds is rejected rather than retried forever.
const MaxIterations = 100

// DefaultWorkers is used when New is called with a non-positive worker
// count: one worker per CPU.
var DefaultWorkers = runtime.NumCPU()

// MaxRetriesExceededError is returned when the conflict-resolution loop did
// not converge within MaxIterations. TxHash identifies a transaction still
// pending at the point the limit was hit.
type MaxRetriesExceededError struct {
	TxHash   hash.Hash256
	Attempts int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("scheduler: max retries (%d) exceeded, stuck transaction %s", e.Attempts, e.TxHash)
}

// ExecutedTransaction is a transaction together with the outcome of its
// most recent execution attempt.
type ExecutedTransaction struct {
	Tx       *types.Transaction
	Priority priority.Code
	RWSet    *rwset.Set
	Result   iface.ExecutionResult
}

// Result is the confirmed outcome of scheduling one block.
type Result struct {
	Confirmed        []ExecutedTransaction
	StateRoot        hash.Hash256
	ReexecutionCount int
}

// Scheduler executes a block's transactions against a snapshot of state,
// resolving write/write and write/read conflicts through priority
// dominance, and commits the confirmed result.
type Scheduler struct {
	workers int
	logger  zerolog.Logger
}

// New constructs a Scheduler backed by a worker pool of the given size. A
// non-positive size falls back to DefaultWorkers.
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		workers: workers,
		logger:  log.WithComponent("scheduler"),
	}
}

// Schedule runs block's transactions against state via executor, following
// the four phases: priority assignment, optimistic parallel execution,
// conflict detection and resolution, and commit.
func (s *Scheduler) Schedule(block *types.Block, state *statestore.Store, executor iface.Executor) (*Result, error) {
	timer := metrics.NewTimer()
	logger := s.logger.With().Uint64("height", block.Height).Logger()

	table := ownership.New()
	snap := state.Snapshot()

	// Phase 0: priority assignment. Pure and deterministic given the block,
	// so it needs no synchronization.
	priorities := make([]priority.Code, len(block.Transactions))
	for i, tx := range block.Transactions {
		priorities[i] = priority.New(block.Height, tx.Hash(), block.TransactionsHash)
	}

	// Phase 1: optimistic parallel execution against the single snapshot
	// taken before any transaction ran.
	pending := s.fanOut(block.Transactions, priorities, snap, table, executor)

	var confirmed []ExecutedTransaction
	reexecutions := 0

	// Phase 2: conflict detection, release of passed transactions, and
	// re-execution of aborted ones against the same snapshot.
	for iteration := 1; len(pending) > 0; iteration++ {
		if iteration > MaxIterations {
			metrics.SchedulerMaxRetriesExceededTotal.Inc()
			return nil, &MaxRetriesExceededError{TxHash: pending[0].Tx.Hash(), Attempts: MaxIterations}
		}

		passed, aborted := detectConflicts(pending, table)

		// Deterministic commit order: strongest priority first among the
		// transactions confirmed this iteration.
		sort.Slice(passed, func(i, j int) bool {
			return passed[i].Priority.Stronger(passed[j].Priority)
		})
		for _, etx := range passed {
			table.ReleaseAll(etx.RWSet.WriteKeys(), etx.Priority)
			confirmed = append(confirmed, etx)
		}

		if len(aborted) == 0 {
			break
		}
		reexecutions += len(aborted)
		pending = s.fanOut(txsOf(aborted), prioritiesOf(aborted), snap, table, executor)

		logger.Debug().
			Int("iteration", iteration).
			Int("confirmed_so_far", len(confirmed)).
			Int("reexecuting", len(aborted)).
			Msg("scheduler conflict resolution round")
	}

	// Phase 3: commit confirmed writes and compute the new state root.
	writes := make([]statestore.Write, 0, len(confirmed))
	for _, etx := range confirmed {
		for _, w := range etx.RWSet.Writes {
			writes = append(writes, statestore.Write{Key: w.Key, Value: w.Value})
		}
	}
	state.Commit(writes)

	timer.ObserveDuration(metrics.SchedulerBlockDuration)
	metrics.SchedulerBlocksScheduled.Inc()
	metrics.SchedulerReexecutions.Add(float64(reexecutions))

	logger.Info().
		Int("confirmed", len(confirmed)).
		Int("reexecutions", reexecutions).
		Dur("elapsed", timer.Duration()).
		Msg("block scheduled")

	return &Result{
		Confirmed:        confirmed,
		StateRoot:        state.StateRoot(),
		ReexecutionCount: reexecutions,
	}, nil
}

// fanOut executes txs in parallel over a bounded worker pool, claiming
// ownership of each transaction's write keys as its read/write set becomes
// known. Workers never block on one another; contested claims are resolved
// purely by priority comparison inside the OwnershipTable.
func (s *Scheduler) fanOut(txs []*types.Transaction, priorities []priority.Code, snap *statestore.Snapshot, table *ownership.Table, executor iface.Executor) []ExecutedTransaction {
	out := make([]ExecutedTransaction, len(txs))
	if len(txs) == 0 {
		return out
	}

	workers := s.workers
	if workers > len(txs) {
		workers = len(txs)
	}

	jobs := make(chan int, len(txs))
	for i := range txs {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				rws, result := executor.Execute(txs[i], snap)
				for _, key := range rws.WriteKeys() {
					table.Claim(key, priorities[i])
				}
				out[i] = ExecutedTransaction{
					Tx:       txs[i],
					Priority: priorities[i],
					RWSet:    rws,
					Result:   result,
				}
			}
		}()
	}
	wg.Wait()
	return out
}

// detectConflicts partitions pending into the transactions that survive
// this round and those that must be re-executed: a transaction aborts if
// it lost ownership of any key it wrote, or if any key it only read is
// held, un-released, by a different priority.
func detectConflicts(pending []ExecutedTransaction, table *ownership.Table) (passed, aborted []ExecutedTransaction) {
	for _, etx := range pending {
		conflict := false

		for _, key := range etx.RWSet.WriteKeys() {
			if owner := table.Owner(key); !owner.Equal(etx.Priority) {
				conflict = true
				break
			}
		}

		if !conflict {
			for _, key := range etx.RWSet.Reads {
				owner := table.Owner(key)
				if !owner.Released && !owner.Equal(etx.Priority) {
					conflict = true
					break
				}
			}
		}

		if conflict {
			aborted = append(aborted, etx)
		} else {
			passed = append(passed, etx)
		}
	}
	return passed, aborted
}

func txsOf(etxs []ExecutedTransaction) []*types.Transaction {
	out := make([]*types.Transaction, len(etxs))
	for i, etx := range etxs {
		out[i] = etx.Tx
	}
	return out
}

func prioritiesOf(etxs []ExecutedTransaction) []priority.Code {
	out := make([]priority.Code, len(etxs))
	for i, etx := range etxs {
		out[i] = etx.Priority
	}
	return out
}
