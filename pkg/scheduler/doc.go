/*
Package scheduler implements the seamless parallel scheduler described by
the ledger's execution model: a block's transactions are executed
optimistically against a single read snapshot, conflicts are detected
through priority-ordered ownership of the keys each transaction touched,
and losing transactions are re-executed until every transaction in the
block is confirmed.

# Algorithm

Scheduling a block runs in four phases:

	Phase 0  Assign each transaction a PriorityCode derived from the
	         block height and the hash of (tx hash, block transactions
	         hash). This ordering is fixed before any execution starts,
	         so it never depends on goroutine scheduling.

	Phase 1  Execute every transaction in parallel against one snapshot
	         of state taken before the block began. As each execution's
	         read/write set becomes known, the transaction claims
	         ownership of the keys it wrote; claims are arbitrated by
	         priority, not arrival order.

	Phase 2  Partition the executed set into those that still hold
	         undisputed ownership of every key they wrote (and whose
	         reads were not invalidated by a still-claimed key) and
	         those that lost a contested key. Passed transactions
	         release their claims and are appended to the confirmed
	         list; aborted transactions are re-executed against the
	         same original snapshot and the round repeats.

	Phase 3  Once nothing remains pending, flatten the confirmed
	         transactions' writes in confirmation order and commit them
	         to the state store in one batch, then compute the new
	         state root.

The round in Phase 2 is bounded: a block that does not converge within
MaxIterations rounds is rejected with a MaxRetriesExceededError rather
than retried forever.

# Determinism

Two replicas executing the identical block against identical starting
state always reach the identical state root. This holds because the
only source of nondeterminism — goroutine interleaving during Phase 1 —
never affects the final ownership outcome: OwnershipTable.Claim always
resolves in favor of the strictly stronger PriorityCode regardless of
which goroutine calls it first.

# Usage

	sched := scheduler.New(runtime.NumCPU())
	result, err := sched.Schedule(block, state, executor)
	if err != nil {
	    var maxRetries *scheduler.MaxRetriesExceededError
	    if errors.As(err, &maxRetries) {
	        // block is unschedulable, reject it
	    }
	}
*/
package scheduler
