package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
)

const actionColumns = `id, workflow_id, name, description, action_type, content, filter, created_at, updated_at`

// CreateAction inserts an action with its conditions and referenced
// columns, and indexes every formula it owns. Assigns ids in place.
func (o *Ops) CreateAction(ctx context.Context, a *Action) error {
	if a.Type == "" {
		a.Type = ActionPersonalizedText
	}
	filter, err := encodeFormula(a.Filter)
	if err != nil {
		return err
	}
	now := o.timestamp()
	err = o.queryRow(ctx, `
		INSERT INTO actions (workflow_id, name, description, action_type, content, filter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, a.WorkflowID, a.Name, a.Description, string(a.Type), a.Content, filter, now, now).Scan(&a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.Conflict, "action %q already exists", a.Name)
	}
	if err != nil {
		return errs.Storage("actions", err, "create action")
	}
	if err := o.SetFormulaRefs(ctx, a.WorkflowID, OwnerActionFilter, a.ID, a.Filter); err != nil {
		return err
	}
	for i := range a.Conditions {
		a.Conditions[i].ActionID = a.ID
		if err := o.AddCondition(ctx, a.WorkflowID, &a.Conditions[i]); err != nil {
			return err
		}
	}
	return o.SetActionColumns(ctx, a.WorkflowID, a.ID, a.Columns)
}

// GetAction returns the action with its conditions and column names.
func (o *Ops) GetAction(ctx context.Context, id int64) (*Action, error) {
	a, err := scanAction(o.queryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "action %d not found", id)
	}
	if err != nil {
		return nil, errs.Storage("actions", err, "get action")
	}
	if err := o.loadActionChildren(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListActions returns every action of the workflow ordered by id, with
// conditions and columns loaded.
//
// Returns empty slice (not nil) if there are none.
func (o *Ops) ListActions(ctx context.Context, workflowID int64) ([]*Action, error) {
	rows, err := o.query(ctx, `SELECT `+actionColumns+` FROM actions WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, errs.Storage("actions", err, "list actions")
	}
	out := []*Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			rows.Close()
			return nil, errs.Storage("actions", err, "scan action")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Storage("actions", err, "iterate actions")
	}
	rows.Close()

	// Children are loaded after the cursor is closed: SQLite runs on a
	// single connection.
	for _, a := range out {
		if err := o.loadActionChildren(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateAction writes name, description, type, content and filter, and
// re-syncs the referenced columns. Conditions are edited separately.
func (o *Ops) UpdateAction(ctx context.Context, a *Action) error {
	filter, err := encodeFormula(a.Filter)
	if err != nil {
		return err
	}
	_, err = o.exec(ctx, `
		UPDATE actions SET name = ?, description = ?, action_type = ?, content = ?, filter = ?, updated_at = ?
		WHERE id = ?
	`, a.Name, a.Description, string(a.Type), a.Content, filter, o.timestamp(), a.ID)
	if err != nil {
		return errs.Storage("actions", err, "update action")
	}
	if err := o.SetFormulaRefs(ctx, a.WorkflowID, OwnerActionFilter, a.ID, a.Filter); err != nil {
		return err
	}
	return o.SetActionColumns(ctx, a.WorkflowID, a.ID, a.Columns)
}

// DeleteAction removes an action; conditions and column links cascade.
func (o *Ops) DeleteAction(ctx context.Context, id int64) error {
	a, err := o.GetAction(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range a.Conditions {
		if err := o.clearRefs(ctx, OwnerCondition, c.ID); err != nil {
			return err
		}
	}
	if err := o.clearRefs(ctx, OwnerActionFilter, id); err != nil {
		return err
	}
	_, err = o.exec(ctx, `DELETE FROM actions WHERE id = ?`, id)
	return errs.Storage("actions", err, "delete action")
}

// AddCondition appends a condition to its action. Position defaults to the
// next free slot.
func (o *Ops) AddCondition(ctx context.Context, workflowID int64, c *Condition) error {
	if c.Position == 0 {
		if err := o.queryRow(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM conditions WHERE action_id = ?`, c.ActionID).Scan(&c.Position); err != nil {
			return errs.Storage("conditions", err, "next condition position")
		}
	}
	f, err := encodeFormula(c.Formula)
	if err != nil {
		return err
	}
	err = o.queryRow(ctx, `
		INSERT INTO conditions (action_id, name, description, formula, position)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, c.ActionID, c.Name, c.Description, f, c.Position).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.Conflict, "condition %q already exists", c.Name)
	}
	if err != nil {
		return errs.Storage("conditions", err, "add condition")
	}
	return o.SetFormulaRefs(ctx, workflowID, OwnerCondition, c.ID, c.Formula)
}

// UpdateCondition writes a condition's name, description and formula.
func (o *Ops) UpdateCondition(ctx context.Context, workflowID int64, c *Condition) error {
	f, err := encodeFormula(c.Formula)
	if err != nil {
		return err
	}
	_, err = o.exec(ctx, `UPDATE conditions SET name = ?, description = ?, formula = ? WHERE id = ?`,
		c.Name, c.Description, f, c.ID)
	if err != nil {
		return errs.Storage("conditions", err, "update condition")
	}
	return o.SetFormulaRefs(ctx, workflowID, OwnerCondition, c.ID, c.Formula)
}

// DeleteCondition removes one condition.
func (o *Ops) DeleteCondition(ctx context.Context, id int64) error {
	if err := o.clearRefs(ctx, OwnerCondition, id); err != nil {
		return err
	}
	_, err := o.exec(ctx, `DELETE FROM conditions WHERE id = ?`, id)
	return errs.Storage("conditions", err, "delete condition")
}

// SetActionColumns replaces the action's referenced column set. Unknown
// column names fail with MissingField.
func (o *Ops) SetActionColumns(ctx context.Context, workflowID, actionID int64, names []string) error {
	if _, err := o.exec(ctx, `DELETE FROM action_columns WHERE action_id = ?`, actionID); err != nil {
		return errs.Storage("action_columns", err, "clear action columns")
	}
	for _, name := range names {
		col, err := o.GetColumn(ctx, workflowID, name)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				return errs.New(errs.MissingField, "action references unknown column").WithColumn(name)
			}
			return err
		}
		_, err = o.exec(ctx, `INSERT INTO action_columns (action_id, column_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, actionID, col.ID)
		if err != nil {
			return errs.Storage("action_columns", err, "link column")
		}
	}
	return nil
}

func (o *Ops) loadActionChildren(ctx context.Context, a *Action) error {
	rows, err := o.query(ctx, `
		SELECT id, action_id, name, description, formula, position
		FROM conditions WHERE action_id = ? ORDER BY position ASC, id ASC
	`, a.ID)
	if err != nil {
		return errs.Storage("conditions", err, "list conditions")
	}
	a.Conditions = []Condition{}
	for rows.Next() {
		var (
			c Condition
			f sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ActionID, &c.Name, &c.Description, &f, &c.Position); err != nil {
			rows.Close()
			return errs.Storage("conditions", err, "scan condition")
		}
		if c.Formula, err = decodeFormula(f); err != nil {
			rows.Close()
			return err
		}
		a.Conditions = append(a.Conditions, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.Storage("conditions", err, "iterate conditions")
	}
	rows.Close()

	a.Columns, err = o.columnNames(ctx, `
		SELECT c.name FROM action_columns ac JOIN columns c ON c.id = ac.column_id
		WHERE ac.action_id = ? ORDER BY c.position ASC
	`, a.ID)
	return err
}

func (o *Ops) columnNames(ctx context.Context, q string, id int64) ([]string, error) {
	rows, err := o.query(ctx, q, id)
	if err != nil {
		return nil, errs.Storage("columns", err, "list column names")
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errs.Storage("columns", err, "scan column name")
		}
		out = append(out, n)
	}
	return out, errs.Storage("columns", rows.Err(), "iterate column names")
}

func scanAction(row scanner) (*Action, error) {
	var (
		a                Action
		typ              string
		filter           sql.NullString
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.WorkflowID, &a.Name, &a.Description, &typ, &a.Content, &filter, &created, &updated); err != nil {
		return nil, err
	}
	a.Type = ActionType(typ)
	f, err := decodeFormula(filter)
	if err != nil {
		return nil, err
	}
	a.Filter = f
	a.CreatedAt = parseTimestamp(created)
	a.UpdatedAt = parseTimestamp(updated)
	return &a, nil
}

// encodeFormula maps nil to SQL NULL and an invalidated formula to 'null'.
func encodeFormula(f *formula.Formula) (any, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode formula: %w", err)
	}
	return string(data), nil
}

func decodeFormula(s sql.NullString) (*formula.Formula, error) {
	if !s.Valid {
		return nil, nil
	}
	f, err := formula.Parse([]byte(s.String))
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "decode stored formula")
	}
	if f == nil {
		return formula.Invalidated(), nil
	}
	return f, nil
}
