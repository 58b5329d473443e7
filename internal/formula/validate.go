package formula

import (
	"sort"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
)

// Columns maps column names to their registered data type.
type Columns map[string]frame.DataType

// Validate checks the formula against the workflow's columns. It reports the
// first problem found in tree order:
//   - MissingField when a rule references an unknown column
//   - TypeMismatch when the rule type does not match the column type, the
//     operator is not defined for the type, or the literal cannot be coerced
//
// A nil or invalidated formula is valid.
//
// Validate is a pure function with no side effects.
func (f *Formula) Validate(columns Columns) error {
	if f == nil || f.Root == nil {
		return nil
	}
	v := &validator{columns: columns}
	v.validateNode(f.Root)
	return v.err
}

// validator stops at the first error.
type validator struct {
	columns Columns
	err     error
}

func (v *validator) validateNode(n Node) {
	if v.err != nil {
		return
	}
	switch node := n.(type) {
	case *Group:
		for _, c := range node.Rules {
			v.validateNode(c)
		}
	case *Rule:
		v.err = validateRule(node, v.columns)
	}
}

func validateRule(r *Rule, columns Columns) error {
	colType, ok := columns[r.Field]
	if !ok {
		return errs.New(errs.MissingField, "formula references unknown column").WithColumn(r.Field)
	}
	if !colType.Compatible(r.Type) {
		return errs.New(errs.TypeMismatch, "rule type %s does not match column type %s", r.Type, colType).WithColumn(r.Field)
	}
	if !r.Operator.Allowed(r.Type) {
		return errs.New(errs.TypeMismatch, "operator %q is not defined for %s", r.Operator, r.Type).WithColumn(r.Field)
	}
	switch {
	case r.Operator.Unary():
		return nil
	case r.Operator.Ranged():
		_, _, err := r.Range()
		return err
	default:
		_, err := r.Literal()
		return err
	}
}

// Missing returns the sorted referenced column names absent from columns.
func (f *Formula) Missing(columns Columns) []string {
	out := []string{}
	for _, name := range f.Fields() {
		if _, ok := columns[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ColumnsOf builds a Columns map from a frame.
func ColumnsOf(fr *frame.Frame) Columns {
	out := make(Columns, fr.NumCols())
	for _, c := range fr.Columns() {
		out[c.Name] = c.Type
	}
	return out
}
