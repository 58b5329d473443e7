package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ontask/dataengine/internal/errs"
)

// CreateView inserts a view with its column subset.
func (o *Ops) CreateView(ctx context.Context, v *View) error {
	filter, err := encodeFormula(v.Filter)
	if err != nil {
		return err
	}
	err = o.queryRow(ctx, `
		INSERT INTO views (workflow_id, name, description, filter)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, v.WorkflowID, v.Name, v.Description, filter).Scan(&v.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.Conflict, "view %q already exists", v.Name)
	}
	if err != nil {
		return errs.Storage("views", err, "create view")
	}
	if err := o.SetFormulaRefs(ctx, v.WorkflowID, OwnerViewFilter, v.ID, v.Filter); err != nil {
		return err
	}
	return o.setViewColumns(ctx, v)
}

// GetView returns a view with its columns in view order.
func (o *Ops) GetView(ctx context.Context, id int64) (*View, error) {
	var (
		v      View
		filter sql.NullString
	)
	err := o.queryRow(ctx, `SELECT id, workflow_id, name, description, filter FROM views WHERE id = ?`, id).
		Scan(&v.ID, &v.WorkflowID, &v.Name, &v.Description, &filter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "view %d not found", id)
	}
	if err != nil {
		return nil, errs.Storage("views", err, "get view")
	}
	if v.Filter, err = decodeFormula(filter); err != nil {
		return nil, err
	}
	v.Columns, err = o.columnNames(ctx, `
		SELECT c.name FROM view_columns vc JOIN columns c ON c.id = vc.column_id
		WHERE vc.view_id = ? ORDER BY vc.position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetViewByName looks a view up by name within a workflow.
func (o *Ops) GetViewByName(ctx context.Context, workflowID int64, name string) (*View, error) {
	var id int64
	err := o.queryRow(ctx, `SELECT id FROM views WHERE workflow_id = ? AND name = ?`, workflowID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "view %q not found", name)
	}
	if err != nil {
		return nil, errs.Storage("views", err, "get view")
	}
	return o.GetView(ctx, id)
}

// ListViews returns the workflow's views ordered by id.
//
// Returns empty slice (not nil) if there are none.
func (o *Ops) ListViews(ctx context.Context, workflowID int64) ([]*View, error) {
	rows, err := o.query(ctx, `SELECT id FROM views WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, errs.Storage("views", err, "list views")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Storage("views", err, "scan view")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Storage("views", err, "iterate views")
	}
	rows.Close()

	out := []*View{}
	for _, id := range ids {
		v, err := o.GetView(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// UpdateView writes name, description, filter and columns.
func (o *Ops) UpdateView(ctx context.Context, v *View) error {
	filter, err := encodeFormula(v.Filter)
	if err != nil {
		return err
	}
	_, err = o.exec(ctx, `UPDATE views SET name = ?, description = ?, filter = ? WHERE id = ?`,
		v.Name, v.Description, filter, v.ID)
	if err != nil {
		return errs.Storage("views", err, "update view")
	}
	if err := o.SetFormulaRefs(ctx, v.WorkflowID, OwnerViewFilter, v.ID, v.Filter); err != nil {
		return err
	}
	return o.setViewColumns(ctx, v)
}

// DeleteView removes a view.
func (o *Ops) DeleteView(ctx context.Context, id int64) error {
	if err := o.clearRefs(ctx, OwnerViewFilter, id); err != nil {
		return err
	}
	_, err := o.exec(ctx, `DELETE FROM views WHERE id = ?`, id)
	return errs.Storage("views", err, "delete view")
}

func (o *Ops) setViewColumns(ctx context.Context, v *View) error {
	if _, err := o.exec(ctx, `DELETE FROM view_columns WHERE view_id = ?`, v.ID); err != nil {
		return errs.Storage("view_columns", err, "clear view columns")
	}
	for i, name := range v.Columns {
		col, err := o.GetColumn(ctx, v.WorkflowID, name)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				return errs.New(errs.MissingField, "view references unknown column").WithColumn(name)
			}
			return err
		}
		_, err = o.exec(ctx, `INSERT INTO view_columns (view_id, column_id, position) VALUES (?, ?, ?)`, v.ID, col.ID, i+1)
		if err != nil {
			return errs.Storage("view_columns", err, "link column")
		}
	}
	return nil
}
