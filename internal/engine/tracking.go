package engine

import (
	"context"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/tracking"
)

// TrackingToken signs a payload with the engine's signer.
func (e *Engine) TrackingToken(p tracking.Payload) (string, error) {
	if e.signer == nil {
		return "", errs.New(errs.InvalidValue, "tracking is not configured")
	}
	return e.signer.Sign(p)
}

// RegisterHit verifies a tracking token and counts one read: the
// ColumnDst cell of the row whose tracking column equals the recipient is
// incremented and a tracking log entry is appended, in one transaction.
func (e *Engine) RegisterHit(ctx context.Context, token string) (*store.TrackingEntry, error) {
	if e.signer == nil {
		return nil, errs.New(errs.InvalidValue, "tracking is not configured")
	}
	p, err := e.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	a, err := e.store.GetAction(ctx, p.ActionID)
	if err != nil {
		return nil, err
	}

	entry := &store.TrackingEntry{
		WorkflowID:     a.WorkflowID,
		ActionID:       a.ID,
		Recipient:      p.Recipient,
		ColumnDst:      p.ColumnDst,
		TrackingColumn: p.TrackingColumn,
	}
	err = e.withWorkflow(ctx, a.WorkflowID, func(tx *store.Ops, wf *store.Workflow) error {
		n, err := tx.IncrementCell(ctx, wf.DataTable, p.TrackingColumn, frame.String(p.Recipient), p.ColumnDst)
		if err != nil {
			return err
		}
		entry.Counter = n
		return tx.AppendTrackingLog(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.addHit(ctx, a.ID)
	e.log.Debug("tracking hit", "workflow", a.WorkflowID, "action", a.ID,
		"column", p.ColumnDst, "counter", entry.Counter, "seq", entry.Seq)
	return entry, nil
}

// TrackingLog returns the workflow's hits in sequence order.
func (e *Engine) TrackingLog(ctx context.Context, workflowID int64) ([]store.TrackingEntry, error) {
	return e.store.TrackingLog(ctx, workflowID)
}
