package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/querysql"
)

// TableName returns the data table name of a workflow.
func TableName(workflowID int64) string {
	return TablePrefix + strconv.FormatInt(workflowID, 10)
}

// StoreFrame replaces the table with the contents of f: drop, create with
// the mapped SQL types, insert every row in frame order. hints override the
// frame's column types; a hint the data cannot satisfy fails with
// TypeMismatch before anything is written.
//
// Atomicity comes from the transaction the Ops is bound to; callers that
// need the drop-and-recreate to be all-or-nothing run it inside WithTx.
func (o *Ops) StoreFrame(ctx context.Context, table string, f *frame.Frame, hints map[string]frame.DataType) error {
	if f.NumCols() == 0 {
		return errs.New(errs.MissingField, "cannot store a frame without columns").WithTable(table)
	}
	for name, t := range hints {
		if !f.Has(name) {
			continue
		}
		retyped, err := f.Retype(name, t)
		if err != nil {
			return errs.Wrap(errs.TypeMismatch, err, "apply type hint").WithTable(table).WithColumn(name)
		}
		f = retyped
	}

	if err := o.DeleteTable(ctx, table); err != nil {
		return err
	}

	cols := f.Columns()
	defs := make([]string, len(cols))
	names := make([]string, len(cols))
	holes := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = querysql.QuoteIdent(c.Name) + " " + querysql.ColumnType(c.Type)
		names[i] = querysql.QuoteIdent(c.Name)
		holes[i] = o.d.Placeholder(i+1, nil)
	}
	create := "CREATE TABLE " + querysql.QuoteIdent(table) + " (" + strings.Join(defs, ", ") + ")"
	if _, err := o.q.ExecContext(ctx, create); err != nil {
		return errs.Storage(table, err, "create table")
	}

	if f.NumRows() == 0 {
		return nil
	}
	insert := "INSERT INTO " + querysql.QuoteIdent(table) +
		" (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(holes, ", ") + ")"
	stmt, err := o.prepare(ctx, insert)
	if err != nil {
		return errs.Storage(table, err, "prepare insert")
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for r := 0; r < f.NumRows(); r++ {
		for i := range cols {
			args[i] = o.d.Param(f.At(r, i))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errs.Storage(table, err, fmt.Sprintf("insert row %d", r))
		}
	}
	return nil
}

func (o *Ops) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	type preparer interface {
		PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	}
	p, ok := o.q.(preparer)
	if !ok {
		return nil, fmt.Errorf("querier cannot prepare statements")
	}
	return p.PrepareContext(ctx, query)
}

// LoadFrame reads the whole table with the column types found in the
// database catalog, in physical order.
func (o *Ops) LoadFrame(ctx context.Context, table string) (*frame.Frame, error) {
	cols, err := o.ColumnTypes(ctx, table)
	if err != nil {
		return nil, err
	}
	return o.Select(ctx, table, cols, nil)
}

// Select reads the given columns of the rows selected by filter, in the
// table's stable order. A nil filter selects every row.
func (o *Ops) Select(ctx context.Context, table string, cols []frame.Column, filter *formula.Formula) (*frame.Frame, error) {
	b := querysql.NewBuilder(o.d)
	where := ""
	if filter != nil {
		frag, err := b.Formula(filter)
		if err != nil {
			return nil, errs.Storage(table, err, "compile filter")
		}
		where = frag
	}
	return o.SelectWhere(ctx, table, cols, where, b.Args())
}

// SelectWhere reads the given columns of the rows matching a WHERE fragment
// built with querysql.Builder. where may be empty.
func (o *Ops) SelectWhere(ctx context.Context, table string, cols []frame.Column, where string, args []any) (*frame.Frame, error) {
	out, err := frame.New(cols...)
	if err != nil {
		return nil, errs.Wrap(errs.DuplicateColumn, err, "select").WithTable(table)
	}
	names := out.Names()
	rows, err := o.q.QueryContext(ctx, querysql.Select(o.d, table, names, where), args...)
	if err != nil {
		return nil, errs.Storage(table, err, "select")
	}
	defer rows.Close()

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	cells := make([]frame.Value, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Storage(table, err, "scan row")
		}
		for i, c := range cols {
			v, err := querysql.FromDriver(raw[i], c.Type)
			if err != nil {
				return nil, errs.Wrap(errs.TypeMismatch, err, "read cell").WithTable(table).WithColumn(c.Name)
			}
			cells[i] = v
		}
		if err := out.Append(cells...); err != nil {
			return nil, errs.Wrap(errs.TypeMismatch, err, "read row").WithTable(table)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(table, err, "iterate rows")
	}
	return out, nil
}

// Count returns the number of rows selected by filter.
func (o *Ops) Count(ctx context.Context, table string, filter *formula.Formula) (int, error) {
	b := querysql.NewBuilder(o.d)
	where := ""
	if filter != nil {
		frag, err := b.Formula(filter)
		if err != nil {
			return 0, errs.Storage(table, err, "compile filter")
		}
		where = frag
	}
	return o.CountWhere(ctx, table, where, b.Args())
}

// CountWhere counts the rows matching a WHERE fragment.
func (o *Ops) CountWhere(ctx context.Context, table string, where string, args []any) (int, error) {
	var n int
	if err := o.q.QueryRowContext(ctx, querysql.Count(table, where), args...).Scan(&n); err != nil {
		return 0, errs.Storage(table, err, "count")
	}
	return n, nil
}

// RowByKey returns the single row whose keyCol equals keyVal, projected on
// cols. Fails with NotFound when no row matches and with AmbiguousKey when
// more than one does.
func (o *Ops) RowByKey(ctx context.Context, table string, cols []frame.Column, keyCol string, keyVal frame.Value) (formula.Row, error) {
	b := querysql.NewBuilder(o.d)
	where := querysql.QuoteIdent(keyCol) + " = " + b.Bind(keyVal)
	f, err := o.SelectWhere(ctx, table, cols, where, b.Args())
	if err != nil {
		return nil, err
	}
	switch f.NumRows() {
	case 0:
		return nil, errs.New(errs.NotFound, "no row with %s = %s", keyCol, frame.Format(keyVal)).WithTable(table).WithColumn(keyCol)
	case 1:
		return formula.Row(f.Row(0)), nil
	}
	return nil, errs.New(errs.AmbiguousKey, "%d rows with %s = %s", f.NumRows(), keyCol, frame.Format(keyVal)).WithTable(table).WithColumn(keyCol)
}

// IncrementCell adds one to the integer column col of the single row whose
// keyCol equals keyVal, treating null as zero. Returns the new value.
func (o *Ops) IncrementCell(ctx context.Context, table, keyCol string, keyVal frame.Value, col string) (int64, error) {
	if _, err := o.RowByKey(ctx, table, []frame.Column{{Name: keyCol, Type: frame.TypeOf(keyVal)}}, keyCol, keyVal); err != nil {
		return 0, err
	}
	b := querysql.NewBuilder(o.d)
	c := querysql.QuoteIdent(col)
	stmt := "UPDATE " + querysql.QuoteIdent(table) + " SET " + c + " = COALESCE(" + c + ", 0) + 1 WHERE " +
		querysql.QuoteIdent(keyCol) + " = " + b.Bind(keyVal) + " RETURNING " + c
	var n int64
	if err := o.q.QueryRowContext(ctx, stmt, b.Args()...).Scan(&n); err != nil {
		return 0, errs.Storage(table, err, "increment "+col)
	}
	return n, nil
}

// RenameColumn renames a physical column.
func (o *Ops) RenameColumn(ctx context.Context, table, from, to string) error {
	stmt := "ALTER TABLE " + querysql.QuoteIdent(table) + " RENAME COLUMN " +
		querysql.QuoteIdent(from) + " TO " + querysql.QuoteIdent(to)
	_, err := o.q.ExecContext(ctx, stmt)
	return errs.Storage(table, err, "rename column "+from)
}

// DropColumn drops a physical column.
func (o *Ops) DropColumn(ctx context.Context, table, name string) error {
	stmt := "ALTER TABLE " + querysql.QuoteIdent(table) + " DROP COLUMN " + querysql.QuoteIdent(name)
	_, err := o.q.ExecContext(ctx, stmt)
	return errs.Storage(table, err, "drop column "+name)
}

// AddColumn appends a physical column and fills it with def when def is
// not null.
func (o *Ops) AddColumn(ctx context.Context, table, name string, t frame.DataType, def frame.Value) error {
	stmt := "ALTER TABLE " + querysql.QuoteIdent(table) + " ADD COLUMN " +
		querysql.QuoteIdent(name) + " " + querysql.ColumnType(t)
	if _, err := o.q.ExecContext(ctx, stmt); err != nil {
		return errs.Storage(table, err, "add column "+name)
	}
	if frame.IsNull(def) {
		return nil
	}
	v, err := frame.Coerce(def, t)
	if err != nil {
		return errs.Wrap(errs.TypeMismatch, err, "column default").WithTable(table).WithColumn(name)
	}
	b := querysql.NewBuilder(o.d)
	fill := "UPDATE " + querysql.QuoteIdent(table) + " SET " + querysql.QuoteIdent(name) + " = " + b.Bind(v)
	_, err = o.q.ExecContext(ctx, fill, b.Args()...)
	return errs.Storage(table, err, "fill column "+name)
}

// DeleteTable drops the table if it exists.
func (o *Ops) DeleteTable(ctx context.Context, table string) error {
	_, err := o.q.ExecContext(ctx, "DROP TABLE IF EXISTS "+querysql.QuoteIdent(table))
	return errs.Storage(table, err, "drop table")
}

// TableExists reports whether the table is present in the catalog.
func (o *Ops) TableExists(ctx context.Context, table string) (bool, error) {
	var q string
	switch o.d.(type) {
	case querysql.Postgres:
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	default:
		q = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := o.queryRow(ctx, q, table).Scan(&n); err != nil {
		return false, errs.Storage(table, err, "lookup table")
	}
	return n > 0, nil
}

// ColumnTypes re-reads the physical column names and types from the
// catalog, in physical order.
func (o *Ops) ColumnTypes(ctx context.Context, table string) ([]frame.Column, error) {
	var q string
	switch o.d.(type) {
	case querysql.Postgres:
		q = `SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ?
			ORDER BY ordinal_position`
	default:
		q = `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`
	}
	rows, err := o.query(ctx, q, table)
	if err != nil {
		return nil, errs.Storage(table, err, "read column types")
	}
	defer rows.Close()

	cols := []frame.Column{}
	for rows.Next() {
		var name, sqlType string
		if err := rows.Scan(&name, &sqlType); err != nil {
			return nil, errs.Storage(table, err, "scan column type")
		}
		t, ok := querysql.DataTypeOf(sqlType)
		if !ok {
			return nil, errs.New(errs.TypeMismatch, "unsupported SQL type %q", sqlType).WithTable(table).WithColumn(name)
		}
		cols = append(cols, frame.Column{Name: name, Type: t})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(table, err, "iterate column types")
	}
	if len(cols) == 0 {
		return nil, errs.New(errs.NotFound, "table does not exist").WithTable(table)
	}
	return cols, nil
}

// ColumnHash returns the MD5 of the ordered concatenation of a column's
// values, used to detect changes in the learner-email column.
func (o *Ops) ColumnHash(ctx context.Context, table, col string) (string, error) {
	f, err := o.SelectWhere(ctx, table, []frame.Column{{Name: col, Type: frame.TypeString}}, "", nil)
	if err != nil {
		return "", err
	}
	return frame.TextHash(f.Values(col)), nil
}
