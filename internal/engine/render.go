package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/querysql"
	"github.com/ontask/dataengine/internal/registry"
	"github.com/ontask/dataengine/internal/render"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/tracking"
)

// RenderOptions controls an action run.
type RenderOptions struct {
	// IncludeAllRows keeps rows on which every condition is false. By
	// default those rows are not selected.
	IncludeAllRows bool
	// ExcludeBlankOutput drops messages that render to whitespace only.
	ExcludeBlankOutput bool
	// TrackColumn, when set, appends a tracking pixel to every HTML message
	// and counts reads in this integer column, created with 0 if missing.
	TrackColumn string
}

// RenderReport is the outcome of an action run.
type RenderReport struct {
	RunID    string            `json:"run_id"`
	ActionID int64             `json:"action_id"`
	Status   store.RunStatus   `json:"status"`
	Total    int               `json:"total"`
	Messages []render.Message  `json:"messages"`
	Errors   []render.RowError `json:"errors"`
	Warnings []string          `json:"warnings"`
	Skipped  int               `json:"skipped"`
}

// escapeFor maps an action type to its escaping.
func escapeFor(t store.ActionType) render.Escape {
	switch t {
	case store.ActionPersonalizedJSON:
		return render.EscapeJSON
	case store.ActionSurvey:
		return render.EscapeNone
	}
	return render.EscapeHTML
}

// Render runs an action over the workflow's rows: select the rows passing
// the filter and at least one condition, render each in table order, and
// record progress in action_runs after every chunk.
//
// A cancelled run returns the messages rendered so far together with an
// errs.Cancelled error.
func (e *Engine) Render(ctx context.Context, actionID int64, opts RenderOptions) (*RenderReport, error) {
	a, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if opts.TrackColumn != "" {
		if err := e.ensureTrackColumn(ctx, a.WorkflowID, opts.TrackColumn); err != nil {
			return nil, err
		}
	}

	g := e.locks.read(a.WorkflowID)
	defer g.release()
	if err := g.check(ctx); err != nil {
		return nil, err
	}

	wf, err := e.store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return nil, err
	}
	registered, err := e.store.ListColumns(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	active := activeColumns(registered, e.now())
	names := make([]string, len(active))
	for i, c := range active {
		names[i] = c.Name
	}

	conds := make([]render.Condition, len(a.Conditions))
	for i, c := range a.Conditions {
		conds[i] = render.Condition{Name: c.Name, Formula: c.Formula}
	}
	r, err := render.New(render.Spec{
		ActionName:         a.Name,
		Template:           a.Content,
		Escape:             escapeFor(a.Type),
		Conditions:         conds,
		Attributes:         wf.Attributes,
		Columns:            names,
		ExcludeBlankOutput: opts.ExcludeBlankOutput,
	})
	if err != nil {
		return nil, err
	}

	report := &RenderReport{
		ActionID: a.ID,
		Messages: []render.Message{},
		Errors:   []render.RowError{},
		Warnings: r.Warnings(),
	}

	if opts.TrackColumn != "" && wf.LuserEmailColumn == "" {
		return nil, errs.New(errs.MissingField, "tracking needs a learner email column")
	}
	// Key columns and the learner column travel with the rows to identify
	// each message even when they are outside their active window; such
	// hidden columns are removed before rendering.
	selected := append([]frame.Column(nil), active...)
	var keys, hidden []string
	for _, c := range registered {
		learner := c.Name == wf.LuserEmailColumn
		if c.IsKey {
			keys = append(keys, c.Name)
		}
		if (c.IsKey || learner) && !slices.Contains(names, c.Name) {
			selected = append(selected, frame.Column{Name: c.Name, Type: c.Type})
			hidden = append(hidden, c.Name)
		}
	}

	rows, warnings, err := e.selectRows(ctx, wf, a, active, selected, opts.IncludeAllRows)
	if err != nil {
		return nil, err
	}
	report.Warnings = append(report.Warnings, warnings...)
	// Only HTML output can carry an <img> pixel.
	track := opts.TrackColumn != "" && escapeFor(a.Type) == render.EscapeHTML
	if opts.TrackColumn != "" && !track {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s actions carry no tracking pixel", a.Type))
	}

	run := &store.ActionRun{ID: e.ids.Generate(), WorkflowID: wf.ID, ActionID: a.ID, TotalRows: rows.NumRows()}
	if err := e.store.StartActionRun(ctx, run); err != nil {
		return nil, err
	}
	report.RunID = run.ID
	report.Total = run.TotalRows
	run.Warnings = report.Warnings
	e.log.Info("action run started", "workflow", wf.ID, "action", a.ID, "run", run.ID, "rows", run.TotalRows)

	for start := 0; start < rows.NumRows(); start += e.chunkSize {
		if err := g.check(ctx); err != nil {
			return report, e.finishRun(run, report, store.RunCancelled, err)
		}
		end := min(start+e.chunkSize, rows.NumRows())
		for i := start; i < end; i++ {
			row := formula.Row(rows.Row(i))
			recipient, hasRecipient := row[wf.LuserEmailColumn]
			key := make(map[string]any, len(keys))
			for _, k := range keys {
				key[k] = frame.Native(row[k])
			}
			for _, h := range hidden {
				delete(row, h)
			}
			msg, rowErrs := r.RenderRow(i, row)
			msg.Key = key
			if hasRecipient && !frame.IsNull(recipient) {
				msg.Recipient = frame.Format(recipient)
			}
			report.Errors = append(report.Errors, rowErrs...)
			if r.Blank(msg) {
				report.Skipped++
				continue
			}
			if track {
				tag, err := e.pixelTag(a.ID, wf.Owner, wf.LuserEmailColumn, opts.TrackColumn, recipient)
				if err != nil {
					report.Errors = append(report.Errors, render.RowError{Row: i, Message: err.Error()})
				} else {
					msg.Text += tag
				}
			}
			report.Messages = append(report.Messages, msg)
		}
		run.ProcessedRows = end
		run.LastRow = end - 1
		run.Errors = toRunErrors(report.Errors)
		if err := e.store.UpdateActionRun(ctx, run); err != nil {
			return nil, err
		}
		if e.onChunk != nil {
			e.onChunk(run)
		}
	}

	if err := e.finishRun(run, report, store.RunFinished, nil); err != nil {
		return nil, err
	}
	e.metrics.addRendered(ctx, len(report.Messages), a.ID)
	e.log.Info("action run finished", "workflow", wf.ID, "action", a.ID, "run", run.ID,
		"messages", len(report.Messages), "errors", len(report.Errors), "skipped", report.Skipped)
	return report, nil
}

// SubmitRender queues Render as a background job.
func (e *Engine) SubmitRender(ctx context.Context, actionID int64, opts RenderOptions) (Job, error) {
	a, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return Job{}, err
	}
	return e.pool.submit(JobRender, a.WorkflowID, func(ctx context.Context) (any, error) {
		return e.Render(ctx, actionID, opts)
	})
}

// ActionRun returns the recorded progress of a run.
func (e *Engine) ActionRun(ctx context.Context, id string) (*store.ActionRun, error) {
	return e.store.GetActionRun(ctx, id)
}

// finishRun records the terminal state of a run. cause is returned when
// the run ended early; the run row is written with a fresh context so a
// cancelled caller still leaves an accurate record.
func (e *Engine) finishRun(run *store.ActionRun, report *RenderReport, status store.RunStatus, cause error) error {
	run.Status = status
	run.Errors = toRunErrors(report.Errors)
	report.Status = status
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateActionRun(ctx, run); err != nil {
		return err
	}
	if cause != nil {
		e.log.Info("action run stopped", "run", run.ID, "status", status, "processed", run.ProcessedRows)
	}
	return cause
}

// selectRows compiles the action filter and the "some condition holds"
// predicate into one WHERE clause and reads the matching rows.
//
// A filter that references a column outside the active set selects
// nothing. Conditions that cannot be evaluated are left out of the
// predicate; when none can be evaluated no row is selected.
func (e *Engine) selectRows(ctx context.Context, wf *store.Workflow, a *store.Action, active, selected []frame.Column, includeAll bool) (*frame.Frame, []string, error) {
	ok, err := e.store.TableExists(ctx, wf.DataTable)
	if err != nil {
		return nil, nil, err
	}
	empty, err := frame.New(selected...)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return empty, []string{"workflow has no data"}, nil
	}

	types := make(formula.Columns, len(active))
	for _, c := range active {
		types[c.Name] = c.Type
	}
	var warnings []string
	if missing := a.Filter.Missing(types); len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf("filter references missing columns %s and selects no rows", strings.Join(missing, ", ")))
		return empty, warnings, nil
	}

	b := querysql.NewBuilder(e.store.Dialect())
	where, err := b.Formula(a.Filter)
	if err != nil {
		return nil, nil, err
	}
	if !includeAll && len(a.Conditions) > 0 {
		var valid []*formula.Formula
		for _, c := range a.Conditions {
			if c.Formula == nil || c.Formula.Invalid() || len(c.Formula.Missing(types)) > 0 {
				warnings = append(warnings, fmt.Sprintf("condition %s cannot be evaluated and is ignored", c.Name))
				continue
			}
			valid = append(valid, c.Formula)
		}
		if len(valid) == 0 {
			return empty, warnings, nil
		}
		frag, ok, err := b.AllFalse(valid)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			where = and(where, "NOT ("+frag+")")
		}
	}
	rows, err := e.store.SelectWhere(ctx, wf.DataTable, selected, where, b.Args())
	return rows, warnings, err
}

// ensureTrackColumn creates the integer read counter if needed.
func (e *Engine) ensureTrackColumn(ctx context.Context, id int64, name string) error {
	if e.signer == nil {
		return errs.New(errs.InvalidValue, "tracking is not configured")
	}
	return e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		col, err := tx.GetColumn(ctx, id, name)
		switch {
		case err == nil:
			if col.Type != frame.TypeInteger {
				return errs.New(errs.TypeMismatch, "tracking column must be an integer").WithColumn(name)
			}
			return nil
		case !errs.Is(err, errs.NotFound):
			return err
		}
		_, err = registry.New(tx, wf).AddColumn(ctx, registry.Spec{Name: name, Type: frame.TypeInteger}, frame.Int(0))
		return err
	})
}

func (e *Engine) pixelTag(actionID int64, sender, trackingColumn, dst string, recipient frame.Value) (string, error) {
	if frame.IsNull(recipient) {
		return "", fmt.Errorf("row has no value in %s; no tracking pixel", trackingColumn)
	}
	token, err := e.signer.Sign(tracking.Payload{
		ActionID:       actionID,
		Recipient:      frame.Format(recipient),
		TrackingColumn: trackingColumn,
		ColumnDst:      dst,
		Sender:         sender,
	})
	if err != nil {
		return "", err
	}
	return tracking.Tag(e.baseURL, token), nil
}

// activeColumns returns the columns whose active window contains now.
func activeColumns(cols []store.Column, now time.Time) []frame.Column {
	out := make([]frame.Column, 0, len(cols))
	for _, c := range cols {
		if c.ActiveFrom != nil && now.Before(*c.ActiveFrom) {
			continue
		}
		if c.ActiveTo != nil && now.After(*c.ActiveTo) {
			continue
		}
		out = append(out, frame.Column{Name: c.Name, Type: c.Type})
	}
	return out
}

func toRunErrors(in []render.RowError) []store.RowError {
	out := make([]store.RowError, len(in))
	for i, r := range in {
		out[i] = store.RowError{Row: r.Row, Message: r.Message}
	}
	return out
}
