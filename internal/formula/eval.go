package formula

import (
	"encoding/json"
	"strings"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
)

// Row is the cell lookup used by EvaluateBool.
type Row map[string]frame.Value

// EvaluateBool evaluates the formula against one row. A nil formula is true;
// an invalidated formula is false. Fails with MissingField when a referenced
// column is absent from the row and with TypeMismatch when a literal or cell
// does not fit the rule's declared type.
func (f *Formula) EvaluateBool(row Row) (bool, error) {
	if f == nil {
		return true, nil
	}
	if f.Root == nil {
		return false, nil
	}
	return evalNode(f.Root, row)
}

func evalNode(n Node, row Row) (bool, error) {
	switch node := n.(type) {
	case *Group:
		return evalGroup(node, row)
	case *Rule:
		return evalRule(node, row)
	}
	return false, errs.New(errs.TypeMismatch, "unknown formula node %T", n)
}

func evalGroup(g *Group, row Row) (bool, error) {
	result := g.Condition != Or
	for _, child := range g.Rules {
		v, err := evalNode(child, row)
		if err != nil {
			return false, err
		}
		if g.Condition == Or && v {
			result = true
			break
		}
		if g.Condition != Or && !v {
			result = false
			break
		}
	}
	if g.Not {
		return !result, nil
	}
	return result, nil
}

func evalRule(r *Rule, row Row) (bool, error) {
	cell, ok := row[r.Field]
	if !ok {
		return false, errs.New(errs.MissingField, "formula references unknown column").WithColumn(r.Field)
	}
	if frame.IsNull(cell) {
		return r.Operator.TrueOnNull(), nil
	}
	if !frame.TypeOf(cell).Compatible(r.Type) {
		return false, errs.New(errs.TypeMismatch, "cell of type %s compared as %s", frame.TypeOf(cell), r.Type).WithColumn(r.Field)
	}

	switch r.Operator {
	case OpIsNull:
		return false, nil
	case OpIsNotNull:
		return true, nil
	case OpIsEmpty:
		return frame.Format(cell) == "", nil
	case OpIsNotEmpty:
		return frame.Format(cell) != "", nil
	}

	if r.Operator.Ranged() {
		lo, hi, err := r.Range()
		if err != nil {
			return false, err
		}
		inside := compare(cell, lo) >= 0 && compare(cell, hi) <= 0
		if r.Operator == OpNotBetween {
			return !inside, nil
		}
		return inside, nil
	}

	lit, err := r.Literal()
	if err != nil {
		return false, err
	}
	if frame.IsNull(lit) {
		// A null literal only matches null cells.
		return false, nil
	}

	s, l := frame.Format(cell), frame.Format(lit)
	switch r.Operator {
	case OpEqual:
		return frame.Equal(cell, lit), nil
	case OpNotEqual:
		return !frame.Equal(cell, lit), nil
	case OpLess:
		return compare(cell, lit) < 0, nil
	case OpLessOrEqual:
		return compare(cell, lit) <= 0, nil
	case OpGreater:
		return compare(cell, lit) > 0, nil
	case OpGreaterOrEqual:
		return compare(cell, lit) >= 0, nil
	case OpBeginsWith:
		return strings.HasPrefix(s, l), nil
	case OpNotBeginsWith:
		return !strings.HasPrefix(s, l), nil
	case OpContains:
		return strings.Contains(s, l), nil
	case OpNotContains:
		return !strings.Contains(s, l), nil
	case OpEndsWith:
		return strings.HasSuffix(s, l), nil
	case OpNotEndsWith:
		return !strings.HasSuffix(s, l), nil
	}
	return false, errs.New(errs.TypeMismatch, "unknown operator %q", r.Operator).WithColumn(r.Field)
}

// compare orders two non-null cells of compatible types.
func compare(a, b frame.Value) int {
	switch va := a.(type) {
	case frame.Int, frame.Double:
		return frame.CompareNumbers(a, b)
	case frame.Time:
		vb, _ := b.(frame.Time)
		return va.Time.Compare(vb.Time)
	case frame.String:
		return strings.Compare(string(va), frame.Format(b))
	case frame.Bool:
		vb, _ := b.(frame.Bool)
		switch {
		case va == vb:
			return 0
		case !bool(va):
			return -1
		}
		return 1
	}
	return 0
}

// Literal returns the rule's value coerced to the rule's type.
func (r *Rule) Literal() (frame.Value, error) {
	return r.coerce(r.Value)
}

// Range returns the two bounds of a between/not_between rule.
func (r *Rule) Range() (frame.Value, frame.Value, error) {
	pair, ok := r.Value.([]any)
	if !ok || len(pair) != 2 {
		return nil, nil, errs.New(errs.TypeMismatch, "operator %s needs a [lo, hi] value", r.Operator).WithColumn(r.Field)
	}
	lo, err := r.coerce(pair[0])
	if err != nil {
		return nil, nil, err
	}
	hi, err := r.coerce(pair[1])
	if err != nil {
		return nil, nil, err
	}
	if frame.IsNull(lo) || frame.IsNull(hi) {
		return nil, nil, errs.New(errs.TypeMismatch, "operator %s needs non-null bounds", r.Operator).WithColumn(r.Field)
	}
	return lo, hi, nil
}

func (r *Rule) coerce(raw any) (frame.Value, error) {
	var v frame.Value
	switch val := raw.(type) {
	case nil:
		return frame.Null{}, nil
	case string:
		v = frame.String(val)
	case bool:
		v = frame.Bool(val)
	case json.Number:
		if n, err := val.Int64(); err == nil && !strings.ContainsAny(string(val), ".eE") {
			v = frame.Int(n)
		} else if f, err := val.Float64(); err == nil {
			v = frame.Double(f)
		} else {
			return nil, errs.New(errs.TypeMismatch, "invalid number %s", val).WithColumn(r.Field)
		}
	case float64:
		v = frame.Double(val)
	case int:
		v = frame.Int(int64(val))
	case int64:
		v = frame.Int(val)
	default:
		return nil, errs.New(errs.TypeMismatch, "unsupported literal of type %T", raw).WithColumn(r.Field)
	}
	out, err := frame.Coerce(v, r.Type)
	if err != nil {
		return nil, errs.Wrap(errs.TypeMismatch, err, "formula literal").WithColumn(r.Field)
	}
	return out, nil
}
