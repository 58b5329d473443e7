package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/store"
)

// NullCell is the expected value matching a null cell. Other expected
// values are compared with frame.Format, so an empty string matches both an
// empty string and a null.
const NullCell = "<null>"

// AssertionError is returned when an assertion does not hold.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Expected, e.Actual)
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertTable:
		return h.assertTable(ctx, a)
	case AssertColumn:
		return h.assertColumn(ctx, a)
	case AssertMessages:
		return assertMessages(h.messages, a)
	case AssertUnchanged:
		return h.assertUnchanged(ctx)
	case AssertTrackingLog:
		return h.assertTrackingLog(ctx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) assertTable(ctx context.Context, a Assertion) error {
	var q engine.TableQuery
	if a.View != "" {
		id, ok := h.views[a.View]
		if !ok {
			return fmt.Errorf("unknown view %q", a.View)
		}
		q.ViewID = id
	}
	var err error
	if q.Filter, err = toFormula(a.Filter); err != nil {
		return err
	}
	f, err := h.engine.Table(ctx, h.workflow, q)
	if err != nil {
		return err
	}

	if a.Rows != nil && f.NumRows() != *a.Rows {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d rows", *a.Rows), Actual: fmt.Sprintf("%d rows", f.NumRows())}
	}
	if a.Columns != nil && !slices.Equal(f.Names(), a.Columns) {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("columns %v", a.Columns), Actual: fmt.Sprintf("columns %v", f.Names())}
	}
	if a.Where == nil {
		return nil
	}

	matched := 0
	for i := range f.NumRows() {
		row := f.Row(i)
		if !matchCells(row, a.Where) {
			continue
		}
		matched++
		if !matchCells(row, a.Expect) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%v where %v", sortedCells(a.Expect), sortedCells(a.Where)),
				Actual:   fmt.Sprintf("row %d %v", i, formatRow(row)),
			}
		}
	}
	if matched == 0 {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("a row where %v", sortedCells(a.Where)), Actual: "no such row"}
	}
	return nil
}

// matchCells reports whether every named cell has the expected value.
// Missing columns never match.
func matchCells(row map[string]frame.Value, want map[string]string) bool {
	for col, expected := range want {
		v, ok := row[col]
		if !ok {
			return false
		}
		if expected == NullCell {
			if !frame.IsNull(v) {
				return false
			}
			continue
		}
		if frame.Format(v) != expected {
			return false
		}
	}
	return true
}

func sortedCells(cells map[string]string) string {
	parts := make([]string, 0, len(cells))
	for k, v := range cells {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatRow(row map[string]frame.Value) string {
	cells := make(map[string]string, len(row))
	for k, v := range row {
		if frame.IsNull(v) {
			cells[k] = NullCell
		} else {
			cells[k] = frame.Format(v)
		}
	}
	return sortedCells(cells)
}

func (h *Harness) assertColumn(ctx context.Context, a Assertion) error {
	cols, err := h.engine.Columns(ctx, h.workflow)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(cols, func(c store.Column) bool { return c.Name == a.Name })
	if i < 0 {
		return &AssertionError{Type: a.Type, Expected: "column " + a.Name, Actual: "no such column"}
	}
	c := cols[i]
	if a.DataType != "" && string(c.Type) != a.DataType {
		return &AssertionError{Type: a.Type, Expected: a.Name + " of type " + a.DataType, Actual: string(c.Type)}
	}
	if a.IsKey != nil && c.IsKey != *a.IsKey {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s is_key=%t", a.Name, *a.IsKey), Actual: fmt.Sprintf("is_key=%t", c.IsKey)}
	}
	return nil
}

func assertMessages(got []string, a Assertion) error {
	if !slices.Equal(got, a.Texts) {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%q", a.Texts), Actual: fmt.Sprintf("%q", got)}
	}
	return nil
}

func (h *Harness) assertUnchanged(ctx context.Context) error {
	d, err := h.digest(ctx)
	if err != nil {
		return err
	}
	if d != h.baseline {
		return &AssertionError{Type: AssertUnchanged, Expected: "digest " + h.baseline, Actual: "digest " + d}
	}
	return nil
}

func (h *Harness) assertTrackingLog(ctx context.Context, a Assertion) error {
	log, err := h.engine.TrackingLog(ctx, h.workflow)
	if err != nil {
		return err
	}
	if len(log) != *a.Count {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d hits", *a.Count), Actual: fmt.Sprintf("%d hits", len(log))}
	}
	return nil
}
