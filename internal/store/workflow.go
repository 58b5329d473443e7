package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ontask/dataengine/internal/errs"
)

const workflowColumns = `id, owner, name, description, nrows, ncols, attributes,
	query_builder_ops, data_table, luser_email_column, lusers_hash, created_at, updated_at`

// CreateWorkflow inserts a workflow and returns it with its id and table
// name assigned. A name already used by the same owner fails with Conflict.
func (o *Ops) CreateWorkflow(ctx context.Context, owner, name, description string) (*Workflow, error) {
	now := o.timestamp()
	var id int64
	err := o.queryRow(ctx, `
		INSERT INTO workflows (owner, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, owner, name, description, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Conflict, "workflow %q already exists for %s", name, owner)
	}
	if err != nil {
		return nil, errs.Storage("workflows", err, "create workflow")
	}
	if _, err := o.exec(ctx, `UPDATE workflows SET data_table = ? WHERE id = ?`, TableName(id), id); err != nil {
		return nil, errs.Storage("workflows", err, "set data table")
	}
	return o.GetWorkflow(ctx, id)
}

// GetWorkflow returns the workflow with its share and star sets.
func (o *Ops) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	row := o.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "workflow %d not found", id)
	}
	if err != nil {
		return nil, errs.Storage("workflows", err, "get workflow")
	}
	if w.Shared, err = o.userSet(ctx, "workflow_shares", id); err != nil {
		return nil, err
	}
	if w.Stars, err = o.userSet(ctx, "workflow_stars", id); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkflows returns the workflows owned by or shared with user, ordered
// by id. Share and star sets are not loaded.
//
// Returns empty slice (not nil) if there are none.
func (o *Ops) ListWorkflows(ctx context.Context, user string) ([]*Workflow, error) {
	rows, err := o.query(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE owner = ? OR id IN (SELECT workflow_id FROM workflow_shares WHERE user_email = ?)
		ORDER BY id ASC
	`, user, user)
	if err != nil {
		return nil, errs.Storage("workflows", err, "list workflows")
	}
	defer rows.Close()

	out := []*Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, errs.Storage("workflows", err, "scan workflow")
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("workflows", err, "iterate workflows")
	}
	return out, nil
}

// DeleteWorkflow removes the workflow, its data table and, through foreign
// key cascades, its columns, actions, conditions and views.
func (o *Ops) DeleteWorkflow(ctx context.Context, id int64) error {
	w, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if err := o.DeleteTable(ctx, w.DataTable); err != nil {
		return err
	}
	if _, err := o.exec(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return errs.Storage("workflows", err, "delete workflow")
	}
	return nil
}

// SetDimensions records the data table shape and the learner-email hash.
func (o *Ops) SetDimensions(ctx context.Context, id int64, nrows, ncols int, lusersHash string) error {
	_, err := o.exec(ctx, `
		UPDATE workflows SET nrows = ?, ncols = ?, lusers_hash = ?, updated_at = ? WHERE id = ?
	`, nrows, ncols, lusersHash, o.timestamp(), id)
	return errs.Storage("workflows", err, "set dimensions")
}

// UpdateWorkflow writes the editable workflow fields.
func (o *Ops) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	attrs, err := json.Marshal(orEmpty(w.Attributes))
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	ops := w.QueryBuilderOps
	if len(ops) == 0 {
		ops = []byte("{}")
	}
	_, err = o.exec(ctx, `
		UPDATE workflows
		SET name = ?, description = ?, attributes = ?, query_builder_ops = ?,
		    luser_email_column = ?, updated_at = ?
		WHERE id = ?
	`, w.Name, w.Description, string(attrs), string(ops), w.LuserEmailColumn, o.timestamp(), w.ID)
	return errs.Storage("workflows", err, "update workflow")
}

// SetAttribute sets one attribute. An empty value removes the key.
func (o *Ops) SetAttribute(ctx context.Context, id int64, key, value string) error {
	w, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Attributes == nil {
		w.Attributes = map[string]string{}
	}
	if value == "" {
		delete(w.Attributes, key)
	} else {
		w.Attributes[key] = value
	}
	return o.UpdateWorkflow(ctx, w)
}

// Share adds users to the workflow's share set. Idempotent.
func (o *Ops) Share(ctx context.Context, id int64, users ...string) error {
	return o.addUsers(ctx, "workflow_shares", id, users)
}

// Unshare removes a user from the share set.
func (o *Ops) Unshare(ctx context.Context, id int64, user string) error {
	_, err := o.exec(ctx, `DELETE FROM workflow_shares WHERE workflow_id = ? AND user_email = ?`, id, user)
	return errs.Storage("workflow_shares", err, "unshare")
}

// Star toggles the star flag of user on the workflow and returns the new
// state.
func (o *Ops) Star(ctx context.Context, id int64, user string) (bool, error) {
	res, err := o.exec(ctx, `DELETE FROM workflow_stars WHERE workflow_id = ? AND user_email = ?`, id, user)
	if err != nil {
		return false, errs.Storage("workflow_stars", err, "unstar")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	if err := o.addUsers(ctx, "workflow_stars", id, []string{user}); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Ops) addUsers(ctx context.Context, table string, id int64, users []string) error {
	for _, u := range users {
		_, err := o.exec(ctx, `INSERT INTO `+table+` (workflow_id, user_email) VALUES (?, ?) ON CONFLICT DO NOTHING`, id, u)
		if err != nil {
			return errs.Storage(table, err, "add user")
		}
	}
	return nil
}

func (o *Ops) userSet(ctx context.Context, table string, id int64) ([]string, error) {
	rows, err := o.query(ctx, `SELECT user_email FROM `+table+` WHERE workflow_id = ? ORDER BY user_email`, id)
	if err != nil {
		return nil, errs.Storage(table, err, "read users")
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errs.Storage(table, err, "scan user")
		}
		out = append(out, u)
	}
	return out, errs.Storage(table, rows.Err(), "iterate users")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	var (
		w                Workflow
		attrs, ops       string
		created, updated string
	)
	err := row.Scan(&w.ID, &w.Owner, &w.Name, &w.Description, &w.NRows, &w.NCols, &attrs,
		&ops, &w.DataTable, &w.LuserEmailColumn, &w.LusersHash, &created, &updated)
	if err != nil {
		return nil, err
	}
	w.Attributes = map[string]string{}
	if err := json.Unmarshal([]byte(attrs), &w.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	w.QueryBuilderOps = []byte(ops)
	w.CreatedAt = parseTimestamp(created)
	w.UpdatedAt = parseTimestamp(updated)
	return &w, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
