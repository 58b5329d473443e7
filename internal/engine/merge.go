package engine

import (
	"context"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/merge"
	"github.com/ontask/dataengine/internal/registry"
	"github.com/ontask/dataengine/internal/store"
)

// MergeReport is the outcome of a committed merge.
type MergeReport struct {
	WorkflowID int64       `json:"workflow_id"`
	How        merge.How   `json:"how"`
	Stats      merge.Stats `json:"stats"`
	Keys       []string    `json:"keys"`
	// Demoted lists key columns that lost uniqueness and are no longer
	// keys.
	Demoted []string `json:"demoted"`
}

// Merge combines src into the workflow's table. The plan is computed from
// a snapshot read under the write lock and committed in one transaction;
// any failure, including cancellation, leaves the table unchanged.
func (e *Engine) Merge(ctx context.Context, id int64, src *frame.Frame, d merge.Descriptor) (*MergeReport, error) {
	g := e.locks.write(id)
	defer g.release()
	if err := g.check(ctx); err != nil {
		return nil, err
	}

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	dst, err := e.currentFrame(ctx, &e.store.Ops, wf)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx); err != nil {
		return nil, err
	}

	plan, err := merge.Plan(dst, src, d)
	if err != nil {
		e.log.Debug("merge rejected", "workflow", id, "error", err)
		return nil, err
	}
	if err := g.check(ctx); err != nil {
		return nil, err
	}

	report := &MergeReport{WorkflowID: id, How: d.How, Stats: plan.Stats}
	err = e.store.WithTx(ctx, func(tx *store.Ops) error {
		wf, err := tx.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.StoreFrame(ctx, wf.DataTable, plan.Frame, nil); err != nil {
			return err
		}
		reg := registry.New(tx, wf)
		existing, err := reg.Columns(ctx)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if _, err := reg.Register(ctx, plan.Frame, []string{d.SrcKey}); err != nil {
				return err
			}
		}
		if _, err := reg.Reconcile(ctx); err != nil {
			return err
		}
		if report.Demoted, err = reg.RecomputeKeys(ctx, plan.Frame); err != nil {
			return err
		}
		sum, err := summarize(ctx, reg, wf)
		if err != nil {
			return err
		}
		if len(sum.Keys) == 0 {
			return errs.New(errs.AmbiguousKey, "merge leaves the table without a key column")
		}
		report.Keys = sum.Keys
		// Last chance to abandon the merge before it becomes visible.
		return g.check(ctx)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.addMerge(ctx, string(d.How))
	e.log.Info("table merged", "workflow", id, "how", d.How,
		"rows", report.Stats.Rows, "columns", report.Stats.Columns, "matched", report.Stats.Matched)
	return report, nil
}

// SubmitMerge queues Merge as a background job.
func (e *Engine) SubmitMerge(id int64, src *frame.Frame, d merge.Descriptor) (Job, error) {
	if _, err := merge.ParseHow(string(d.How)); err != nil {
		return Job{}, err
	}
	return e.pool.submit(JobMerge, id, func(ctx context.Context) (any, error) {
		return e.Merge(ctx, id, src, d)
	})
}

// currentFrame reads the workflow's table with its registered column
// types. A workflow without data yields nil.
func (e *Engine) currentFrame(ctx context.Context, ops *store.Ops, wf *store.Workflow) (*frame.Frame, error) {
	ok, err := ops.TableExists(ctx, wf.DataTable)
	if err != nil || !ok {
		return nil, err
	}
	cols, err := ops.ListColumns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return ops.LoadFrame(ctx, wf.DataTable)
	}
	return ops.Select(ctx, wf.DataTable, frameColumns(cols), nil)
}
