// Package engine coordinates the OnTask data operations on top of the
// store, the column registry, the merge planner, the renderer and the
// tracking signer.
//
// ARCHITECTURE:
//
// Per-Workflow Locking:
// Every operation that changes a workflow's table or columns holds that
// workflow's write lock for its whole duration; readers (table queries,
// action runs) share a read lock. Operations on different workflows run
// in parallel. Inside the lock, each mutation is one store transaction,
// so a failed merge or upload leaves the previous table untouched.
//
// Background Jobs:
// Merges and action runs may be submitted as jobs. A fixed worker pool
// drains a FIFO queue; each job gets its own cancellable context and a
// sequence number that orders job listings.
//
// Cancellation:
// Long operations work in chunks and call guard.check before each one.
// A check fails with errs.Cancelled when the job context is done or the
// workflow was cancelled with CancelWorkflow after the operation started.
// Nothing is committed by a cancelled merge; a cancelled action run keeps
// the progress recorded in action_runs.
//
// CRITICAL PATTERNS:
//
// Single writer per workflow: the registry and the data table are never
// written without the workflow write lock.
//
// Deterministic output: rows are read in the table's stable order and
// messages are returned in row order.
package engine
