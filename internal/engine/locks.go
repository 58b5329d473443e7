package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ontask/dataengine/internal/errs"
)

// workflowLock serializes writers of one workflow and lets readers run in
// parallel. gen is bumped by Cancel; an operation remembers the value it
// started with and stops before its next chunk once it changes.
type workflowLock struct {
	mu  sync.RWMutex
	gen atomic.Int64
}

// lockTable hands out one lock per workflow id. Locks are never removed;
// a workflow id is never reused.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*workflowLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*workflowLock)}
}

func (t *lockTable) get(id int64) *workflowLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &workflowLock{}
		t.locks[id] = l
	}
	return l
}

// guard is held for the duration of one operation on a workflow.
type guard struct {
	lock  *workflowLock
	gen   int64
	write bool
}

// write takes the exclusive lock of a workflow.
func (t *lockTable) write(id int64) *guard {
	l := t.get(id)
	l.mu.Lock()
	return &guard{lock: l, gen: l.gen.Load(), write: true}
}

// read takes the shared lock of a workflow.
func (t *lockTable) read(id int64) *guard {
	l := t.get(id)
	l.mu.RLock()
	return &guard{lock: l, gen: l.gen.Load()}
}

// cancel flags every operation currently running on the workflow.
func (t *lockTable) cancel(id int64) {
	t.get(id).gen.Add(1)
}

func (g *guard) release() {
	if g.write {
		g.lock.mu.Unlock()
	} else {
		g.lock.mu.RUnlock()
	}
}

// check is called before each chunk of work. It fails with Cancelled when
// the workflow was cancelled after the operation started or ctx is done.
func (g *guard) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, err, "operation cancelled")
	}
	if g.lock.gen.Load() != g.gen {
		return errs.New(errs.Cancelled, "workflow operation cancelled")
	}
	return nil
}
