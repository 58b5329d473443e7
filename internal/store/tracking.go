package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ontask/dataengine/internal/errs"
)

// AppendTrackingLog records one tracking hit and assigns its sequence
// number. Sequence numbers are strictly increasing.
func (o *Ops) AppendTrackingLog(ctx context.Context, e *TrackingEntry) error {
	now := o.timestamp()
	err := o.queryRow(ctx, `
		INSERT INTO tracking_log (workflow_id, action_id, recipient, column_dst, tracking_column, counter, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`, e.WorkflowID, e.ActionID, e.Recipient, e.ColumnDst, e.TrackingColumn, e.Counter, now).Scan(&e.Seq)
	if err != nil {
		return errs.Storage("tracking_log", err, "append tracking log")
	}
	e.CreatedAt = parseTimestamp(now)
	return nil
}

// TrackingLog returns the workflow's tracking entries in sequence order.
//
// Returns empty slice (not nil) if there are none.
func (o *Ops) TrackingLog(ctx context.Context, workflowID int64) ([]TrackingEntry, error) {
	rows, err := o.query(ctx, `
		SELECT seq, workflow_id, action_id, recipient, column_dst, tracking_column, counter, created_at
		FROM tracking_log WHERE workflow_id = ?
		ORDER BY seq ASC
	`, workflowID)
	if err != nil {
		return nil, errs.Storage("tracking_log", err, "read tracking log")
	}
	defer rows.Close()
	out := []TrackingEntry{}
	for rows.Next() {
		var (
			e       TrackingEntry
			created string
		)
		if err := rows.Scan(&e.Seq, &e.WorkflowID, &e.ActionID, &e.Recipient, &e.ColumnDst, &e.TrackingColumn, &e.Counter, &created); err != nil {
			return nil, errs.Storage("tracking_log", err, "scan tracking log")
		}
		e.CreatedAt = parseTimestamp(created)
		out = append(out, e)
	}
	return out, errs.Storage("tracking_log", rows.Err(), "iterate tracking log")
}

// StartActionRun records a new run in the running state.
func (o *Ops) StartActionRun(ctx context.Context, r *ActionRun) error {
	now := o.timestamp()
	r.Status = RunRunning
	r.LastRow = -1
	r.StartedAt = parseTimestamp(now)
	_, err := o.exec(ctx, `
		INSERT INTO action_runs (id, workflow_id, action_id, status, total_rows, processed_rows, last_row, started_at)
		VALUES (?, ?, ?, ?, ?, 0, -1, ?)
	`, r.ID, r.WorkflowID, r.ActionID, string(r.Status), r.TotalRows, now)
	return errs.Storage("action_runs", err, "start action run")
}

// UpdateActionRun writes the progress fields of a run. A terminal status
// also stamps finished_at.
func (o *Ops) UpdateActionRun(ctx context.Context, r *ActionRun) error {
	errsJSON, err := json.Marshal(orEmptyRowErrors(r.Errors))
	if err != nil {
		return fmt.Errorf("update action run: %w", err)
	}
	warnJSON, err := json.Marshal(orEmptyStrings(r.Warnings))
	if err != nil {
		return fmt.Errorf("update action run: %w", err)
	}
	var finished any
	if r.Status != RunRunning {
		now := o.timestamp()
		ts := parseTimestamp(now)
		r.FinishedAt = &ts
		finished = now
	}
	_, err = o.exec(ctx, `
		UPDATE action_runs
		SET status = ?, total_rows = ?, processed_rows = ?, last_row = ?, errors = ?, warnings = ?, finished_at = ?
		WHERE id = ?
	`, string(r.Status), r.TotalRows, r.ProcessedRows, r.LastRow, string(errsJSON), string(warnJSON), finished, r.ID)
	return errs.Storage("action_runs", err, "update action run")
}

// GetActionRun returns one run.
func (o *Ops) GetActionRun(ctx context.Context, id string) (*ActionRun, error) {
	var (
		r                  ActionRun
		status             string
		errsJSON, warnJSON string
		started            string
		finished           sql.NullString
	)
	err := o.queryRow(ctx, `
		SELECT id, workflow_id, action_id, status, total_rows, processed_rows, last_row, errors, warnings, started_at, finished_at
		FROM action_runs WHERE id = ?
	`, id).Scan(&r.ID, &r.WorkflowID, &r.ActionID, &status, &r.TotalRows, &r.ProcessedRows, &r.LastRow,
		&errsJSON, &warnJSON, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "action run %s not found", id)
	}
	if err != nil {
		return nil, errs.Storage("action_runs", err, "get action run")
	}
	r.Status = RunStatus(status)
	if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warnJSON), &r.Warnings); err != nil {
		return nil, fmt.Errorf("decode run warnings: %w", err)
	}
	r.StartedAt = parseTimestamp(started)
	if finished.Valid {
		ts := parseTimestamp(finished.String)
		r.FinishedAt = &ts
	}
	return &r, nil
}

func orEmptyRowErrors(v []RowError) []RowError {
	if v == nil {
		return []RowError{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
