package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
)

// formulaHomes maps an owner kind to the table and column holding the
// formula text.
var formulaHomes = map[FormulaOwner]struct{ table, column string }{
	OwnerActionFilter: {"actions", "filter"},
	OwnerCondition:    {"conditions", "formula"},
	OwnerViewFilter:   {"views", "filter"},
}

// SetFormulaRefs replaces the index entries of one formula with the columns
// it references. A nil or invalidated formula leaves no entries.
func (o *Ops) SetFormulaRefs(ctx context.Context, workflowID int64, kind FormulaOwner, ownerID int64, f *formula.Formula) error {
	if err := o.clearRefs(ctx, kind, ownerID); err != nil {
		return err
	}
	for _, name := range f.Fields() {
		_, err := o.exec(ctx, `
			INSERT INTO formula_refs (workflow_id, owner_kind, owner_id, column_name)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, workflowID, string(kind), ownerID, name)
		if err != nil {
			return errs.Storage("formula_refs", err, "index formula")
		}
	}
	return nil
}

func (o *Ops) clearRefs(ctx context.Context, kind FormulaOwner, ownerID int64) error {
	_, err := o.exec(ctx, `DELETE FROM formula_refs WHERE owner_kind = ? AND owner_id = ?`, string(kind), ownerID)
	return errs.Storage("formula_refs", err, "clear formula index")
}

// RefsTo returns every formula of the workflow that references column,
// ordered by kind then owner id.
//
// Returns empty slice (not nil) if there are none.
func (o *Ops) RefsTo(ctx context.Context, workflowID int64, column string) ([]FormulaRef, error) {
	rows, err := o.query(ctx, `
		SELECT owner_kind, owner_id FROM formula_refs
		WHERE workflow_id = ? AND column_name = ?
		ORDER BY owner_kind ASC, owner_id ASC
	`, workflowID, column)
	if err != nil {
		return nil, errs.Storage("formula_refs", err, "read formula index")
	}
	defer rows.Close()
	out := []FormulaRef{}
	for rows.Next() {
		var (
			ref  FormulaRef
			kind string
		)
		if err := rows.Scan(&kind, &ref.OwnerID); err != nil {
			return nil, errs.Storage("formula_refs", err, "scan formula index")
		}
		ref.Kind = FormulaOwner(kind)
		out = append(out, ref)
	}
	return out, errs.Storage("formula_refs", rows.Err(), "iterate formula index")
}

// LoadFormula reads the formula a ref points to.
func (o *Ops) LoadFormula(ctx context.Context, ref FormulaRef) (*formula.Formula, error) {
	home, ok := formulaHomes[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown formula owner %q", ref.Kind)
	}
	var s sql.NullString
	err := o.queryRow(ctx, `SELECT `+home.column+` FROM `+home.table+` WHERE id = ?`, ref.OwnerID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "%s %d not found", ref.Kind, ref.OwnerID)
	}
	if err != nil {
		return nil, errs.Storage(home.table, err, "load formula")
	}
	return decodeFormula(s)
}

// SaveFormula writes the formula a ref points to and re-indexes it.
func (o *Ops) SaveFormula(ctx context.Context, workflowID int64, ref FormulaRef, f *formula.Formula) error {
	home, ok := formulaHomes[ref.Kind]
	if !ok {
		return fmt.Errorf("unknown formula owner %q", ref.Kind)
	}
	text, err := encodeFormula(f)
	if err != nil {
		return err
	}
	if _, err := o.exec(ctx, `UPDATE `+home.table+` SET `+home.column+` = ? WHERE id = ?`, text, ref.OwnerID); err != nil {
		return errs.Storage(home.table, err, "save formula")
	}
	return o.SetFormulaRefs(ctx, workflowID, ref.Kind, ref.OwnerID, f)
}
