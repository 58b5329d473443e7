package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
)

const columnColumns = `id, workflow_id, name, description, data_type, is_key, position,
	categories, active_from, active_to`

// ListColumns returns the workflow's columns ordered by position.
//
// Returns empty slice (not nil) if the workflow has no columns.
func (o *Ops) ListColumns(ctx context.Context, workflowID int64) ([]Column, error) {
	rows, err := o.query(ctx, `
		SELECT `+columnColumns+` FROM columns
		WHERE workflow_id = ?
		ORDER BY position ASC, id ASC
	`, workflowID)
	if err != nil {
		return nil, errs.Storage("columns", err, "list columns")
	}
	defer rows.Close()

	out := []Column{}
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, errs.Storage("columns", err, "scan column")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("columns", err, "iterate columns")
	}
	return out, nil
}

// GetColumn returns the named column or NotFound.
func (o *Ops) GetColumn(ctx context.Context, workflowID int64, name string) (*Column, error) {
	row := o.queryRow(ctx, `SELECT `+columnColumns+` FROM columns WHERE workflow_id = ? AND name = ?`, workflowID, name)
	c, err := scanColumn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "column not found").WithColumn(name)
	}
	if err != nil {
		return nil, errs.Storage("columns", err, "get column")
	}
	return &c, nil
}

// InsertColumn stores a new column and assigns its id. A name clash fails
// with DuplicateColumn.
func (o *Ops) InsertColumn(ctx context.Context, c *Column) error {
	cats, from, to, err := encodeColumnExtras(c)
	if err != nil {
		return err
	}
	err = o.queryRow(ctx, `
		INSERT INTO columns (workflow_id, name, description, data_type, is_key, position, categories, active_from, active_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, c.WorkflowID, c.Name, c.Description, string(c.Type), c.IsKey, c.Position, cats, from, to).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.DuplicateColumn, "column already exists").WithColumn(c.Name)
	}
	return errs.Storage("columns", err, "insert column")
}

// UpdateColumn writes every field of an existing column, matched by id.
func (o *Ops) UpdateColumn(ctx context.Context, c *Column) error {
	cats, from, to, err := encodeColumnExtras(c)
	if err != nil {
		return err
	}
	res, err := o.exec(ctx, `
		UPDATE columns
		SET name = ?, description = ?, data_type = ?, is_key = ?, position = ?,
		    categories = ?, active_from = ?, active_to = ?
		WHERE id = ?
	`, c.Name, c.Description, string(c.Type), c.IsKey, c.Position, cats, from, to, c.ID)
	if err != nil {
		return errs.Storage("columns", err, "update column")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "column not found").WithColumn(c.Name)
	}
	return nil
}

// DeleteColumnMeta removes the logical column row.
func (o *Ops) DeleteColumnMeta(ctx context.Context, id int64) error {
	_, err := o.exec(ctx, `DELETE FROM columns WHERE id = ?`, id)
	return errs.Storage("columns", err, "delete column")
}

// DeleteColumnsOf removes every logical column of the workflow.
func (o *Ops) DeleteColumnsOf(ctx context.Context, workflowID int64) error {
	_, err := o.exec(ctx, `DELETE FROM columns WHERE workflow_id = ?`, workflowID)
	return errs.Storage("columns", err, "delete columns")
}

func encodeColumnExtras(c *Column) (string, any, any, error) {
	natives := make([]any, len(c.Categories))
	for i, v := range c.Categories {
		natives[i] = frame.Native(v)
	}
	cats, err := json.Marshal(natives)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encode categories: %w", err)
	}
	return string(cats), optionalTime(c.ActiveFrom), optionalTime(c.ActiveTo), nil
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scanColumn(row scanner) (Column, error) {
	var (
		c        Column
		dataType string
		cats     string
		from, to sql.NullString
	)
	err := row.Scan(&c.ID, &c.WorkflowID, &c.Name, &c.Description, &dataType, &c.IsKey,
		&c.Position, &cats, &from, &to)
	if err != nil {
		return Column{}, err
	}
	t, err := frame.ParseDataType(dataType)
	if err != nil {
		return Column{}, err
	}
	c.Type = t
	if c.Categories, err = decodeCategories(cats, t); err != nil {
		return Column{}, err
	}
	if from.Valid {
		ts := parseTimestamp(from.String)
		c.ActiveFrom = &ts
	}
	if to.Valid {
		ts := parseTimestamp(to.String)
		c.ActiveTo = &ts
	}
	return c, nil
}

func decodeCategories(data string, t frame.DataType) ([]frame.Value, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	out := make([]frame.Value, 0, len(raw))
	for _, r := range raw {
		var v frame.Value
		switch val := r.(type) {
		case string:
			v = frame.String(val)
		case bool:
			v = frame.Bool(val)
		case json.Number:
			if n, err := val.Int64(); err == nil {
				v = frame.Int(n)
			} else {
				f, _ := val.Float64()
				v = frame.Double(f)
			}
		default:
			v = frame.Null{}
		}
		cv, err := frame.Coerce(v, t)
		if err != nil {
			return nil, fmt.Errorf("decode categories: %w", err)
		}
		out = append(out, cv)
	}
	return out, nil
}
