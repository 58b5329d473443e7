// Package frame provides the typed in-memory table the engine moves between
// ingestion, merge, storage and rendering.
//
// A Frame is an ordered list of typed columns and a row-major list of cells.
// Cell types come from the column declaration, never from inspecting values:
// Set and Append coerce every cell to its column type, so a frame can never
// hold a boolean column with a string cell in it.
package frame

import (
	"fmt"
	"strings"
)

// Column describes one column of a frame.
type Column struct {
	Name string
	Type DataType
}

// Frame is a typed table.
type Frame struct {
	columns []Column
	index   map[string]int
	rows    [][]Value
}

// New creates an empty frame with the given columns.
// Returns an error if a name is empty or repeated.
func New(columns ...Column) (*Frame, error) {
	f := &Frame{
		columns: make([]Column, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		if err := f.addColumn(c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// MustNew is like New but panics on error.
// Use only in tests or when columns are known to be valid.
func MustNew(columns ...Column) *Frame {
	f, err := New(columns...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Frame) addColumn(c Column) error {
	if c.Name == "" {
		return fmt.Errorf("empty column name")
	}
	if _, dup := f.index[c.Name]; dup {
		return fmt.Errorf("duplicate column %q", c.Name)
	}
	if c.Type == "" {
		c.Type = TypeString
	}
	f.index[c.Name] = len(f.columns)
	f.columns = append(f.columns, c)
	return nil
}

// Columns returns a copy of the column declarations.
func (f *Frame) Columns() []Column {
	out := make([]Column, len(f.columns))
	copy(out, f.columns)
	return out
}

// Names returns the column names in order.
func (f *Frame) Names() []string {
	out := make([]string, len(f.columns))
	for i, c := range f.columns {
		out[i] = c.Name
	}
	return out
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int { return len(f.rows) }

// NumCols returns the number of columns.
func (f *Frame) NumCols() int { return len(f.columns) }

// Index returns the position of the named column, or -1.
func (f *Frame) Index(name string) int {
	if i, ok := f.index[name]; ok {
		return i
	}
	return -1
}

// Has reports whether the frame has the named column.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Column returns the declaration of the named column.
func (f *Frame) Column(name string) (Column, bool) {
	i, ok := f.index[name]
	if !ok {
		return Column{}, false
	}
	return f.columns[i], true
}

// Append adds a row. Cells are coerced to the column types; a short row is
// padded with nulls.
func (f *Frame) Append(cells ...Value) error {
	if len(cells) > len(f.columns) {
		return fmt.Errorf("row has %d cells, frame has %d columns", len(cells), len(f.columns))
	}
	row := make([]Value, len(f.columns))
	for i := range f.columns {
		var v Value = Null{}
		if i < len(cells) && cells[i] != nil {
			v = cells[i]
		}
		cv, err := Coerce(v, f.columns[i].Type)
		if err != nil {
			return fmt.Errorf("column %q row %d: %w", f.columns[i].Name, len(f.rows), err)
		}
		row[i] = cv
	}
	f.rows = append(f.rows, row)
	return nil
}

// Cell returns the cell at (row, column name). Unknown names yield null.
func (f *Frame) Cell(row int, name string) Value {
	i, ok := f.index[name]
	if !ok || row < 0 || row >= len(f.rows) {
		return Null{}
	}
	return f.rows[row][i]
}

// At returns the cell at (row, column position).
func (f *Frame) At(row, col int) Value {
	return f.rows[row][col]
}

// Set replaces one cell, coercing it to the column type.
func (f *Frame) Set(row int, name string, v Value) error {
	i, ok := f.index[name]
	if !ok {
		return fmt.Errorf("unknown column %q", name)
	}
	if row < 0 || row >= len(f.rows) {
		return fmt.Errorf("row %d out of range", row)
	}
	cv, err := Coerce(v, f.columns[i].Type)
	if err != nil {
		return fmt.Errorf("column %q row %d: %w", name, row, err)
	}
	f.rows[row][i] = cv
	return nil
}

// Row returns row i as a name → cell map.
func (f *Frame) Row(i int) map[string]Value {
	out := make(map[string]Value, len(f.columns))
	for j, c := range f.columns {
		out[c.Name] = f.rows[i][j]
	}
	return out
}

// RowValues returns a copy of row i in column order.
func (f *Frame) RowValues(i int) []Value {
	out := make([]Value, len(f.columns))
	copy(out, f.rows[i])
	return out
}

// Values returns a copy of the named column.
func (f *Frame) Values(name string) []Value {
	i, ok := f.index[name]
	if !ok {
		return nil
	}
	out := make([]Value, len(f.rows))
	for r, row := range f.rows {
		out[r] = row[i]
	}
	return out
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	out := MustNew(f.columns...)
	out.rows = make([][]Value, len(f.rows))
	for i, row := range f.rows {
		out.rows[i] = append([]Value(nil), row...)
	}
	return out
}

// Rename returns a copy with columns renamed through m. Names absent from m
// are kept. Fails if the result repeats a name.
func (f *Frame) Rename(m map[string]string) (*Frame, error) {
	cols := f.Columns()
	for i, c := range cols {
		if to, ok := m[c.Name]; ok && to != "" {
			cols[i].Name = to
		}
	}
	out, err := New(cols...)
	if err != nil {
		return nil, err
	}
	out.rows = f.Clone().rows
	return out, nil
}

// Project returns a copy holding only the named columns, in the given order.
func (f *Frame) Project(names ...string) (*Frame, error) {
	idx := make([]int, len(names))
	cols := make([]Column, len(names))
	for i, n := range names {
		j, ok := f.index[n]
		if !ok {
			return nil, fmt.Errorf("unknown column %q", n)
		}
		idx[i] = j
		cols[i] = f.columns[j]
	}
	out, err := New(cols...)
	if err != nil {
		return nil, err
	}
	out.rows = make([][]Value, len(f.rows))
	for r, row := range f.rows {
		nr := make([]Value, len(idx))
		for i, j := range idx {
			nr[i] = row[j]
		}
		out.rows[r] = nr
	}
	return out, nil
}

// Drop returns a copy without the named columns. Unknown names are ignored.
func (f *Frame) Drop(names ...string) *Frame {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var keep []string
	for _, c := range f.columns {
		if !drop[c.Name] {
			keep = append(keep, c.Name)
		}
	}
	out, _ := f.Project(keep...)
	return out
}

// IsUnique reports whether the named column has no nulls and no repeated
// values. An empty frame is trivially unique.
func (f *Frame) IsUnique(name string) bool {
	i, ok := f.index[name]
	if !ok {
		return false
	}
	seen := make(map[string]struct{}, len(f.rows))
	for _, row := range f.rows {
		v := row[i]
		if IsNull(v) {
			return false
		}
		k := Key(v)
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	return true
}

// Retype returns a copy where the named column has type t. Every cell is
// coerced; the first failure is returned.
func (f *Frame) Retype(name string, t DataType) (*Frame, error) {
	i, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	out := f.Clone()
	out.columns[i].Type = t
	for r, row := range out.rows {
		cv, err := Coerce(row[i], t)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, r, err)
		}
		row[i] = cv
	}
	return out, nil
}

// String renders a short description for logs.
func (f *Frame) String() string {
	return fmt.Sprintf("frame[%d rows × %d cols: %s]", len(f.rows), len(f.columns), strings.Join(f.Names(), ", "))
}
