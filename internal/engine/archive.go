package engine

import (
	"context"

	"github.com/ontask/dataengine/internal/archive"
	"github.com/ontask/dataengine/internal/store"
)

// Export captures the workflow, its metadata and its data under the read
// lock.
func (e *Engine) Export(ctx context.Context, id int64) (*archive.Archive, error) {
	g := e.locks.read(id)
	defer g.release()
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	a, err := archive.Build(ctx, &e.store.Ops, id)
	if err != nil {
		return nil, err
	}
	e.log.Info("workflow exported", "workflow", id, "rows", a.NRows, "actions", len(a.Actions))
	return a, nil
}

// Import restores a as a new workflow owned by owner. An empty name keeps
// the archived name; a name already in use fails with Conflict.
func (e *Engine) Import(ctx context.Context, a *archive.Archive, owner, name string) (*store.Workflow, error) {
	var wf *store.Workflow
	err := e.store.WithTx(ctx, func(tx *store.Ops) error {
		var err error
		wf, err = archive.Restore(ctx, tx, a, owner, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("workflow imported", "workflow", wf.ID, "name", wf.Name, "rows", wf.NRows)
	return wf, nil
}
