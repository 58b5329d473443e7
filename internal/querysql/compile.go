// Package querysql compiles formulas and table reads into parameterized SQL.
//
// CRITICAL: identifiers are always emitted through QuoteIdent and values
// always through dialect placeholders. No user input is interpolated.
// CRITICAL: every SELECT carries ORDER BY on the dialect's stable order key.
package querysql

import (
	"fmt"
	"strings"

	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
)

// QuoteIdent quotes an identifier for both supported dialects. Embedded
// double quotes are doubled.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Builder accumulates bound parameters while SQL fragments are emitted, so
// that positional placeholders stay numbered correctly across fragments.
type Builder struct {
	d    Dialect
	args []any
}

// NewBuilder creates a Builder for the given dialect.
func NewBuilder(d Dialect) *Builder {
	return &Builder{d: d, args: []any{}}
}

// Bind records a value and returns its placeholder.
func (b *Builder) Bind(v frame.Value) string {
	b.args = append(b.args, b.d.Param(v))
	return b.d.Placeholder(len(b.args), v)
}

// Args returns the values bound so far, in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}

// Formula compiles a formula to a WHERE fragment. The fragment is two-valued:
// it never evaluates to NULL, so it can be negated safely.
//
// A nil formula compiles to "1 = 1"; an invalidated formula to "1 = 0".
func (b *Builder) Formula(f *formula.Formula) (string, error) {
	if f == nil {
		return "1 = 1", nil
	}
	if f.Root == nil {
		return "1 = 0", nil
	}
	return b.node(f.Root)
}

// AllFalse compiles the predicate "every condition is false". Returns
// ok=false when there are no conditions, in which case nothing is excluded.
func (b *Builder) AllFalse(conditions []*formula.Formula) (string, bool, error) {
	if len(conditions) == 0 {
		return "", false, nil
	}
	parts := make([]string, 0, len(conditions))
	for i, c := range conditions {
		frag, err := b.Formula(c)
		if err != nil {
			return "", false, fmt.Errorf("condition %d: %w", i, err)
		}
		parts = append(parts, "NOT ("+frag+")")
	}
	return strings.Join(parts, " AND "), true, nil
}

func (b *Builder) node(n formula.Node) (string, error) {
	switch node := n.(type) {
	case *formula.Group:
		return b.group(node)
	case *formula.Rule:
		return b.rule(node)
	}
	return "", fmt.Errorf("unsupported formula node: %T", n)
}

func (b *Builder) group(g *formula.Group) (string, error) {
	if len(g.Rules) == 0 {
		if g.Condition == formula.Or {
			return b.negate("1 = 0", g.Not), nil
		}
		return b.negate("1 = 1", g.Not), nil
	}
	sep := " AND "
	if g.Condition == formula.Or {
		sep = " OR "
	}
	parts := make([]string, 0, len(g.Rules))
	for _, child := range g.Rules {
		frag, err := b.node(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, frag)
	}
	return b.negate("("+strings.Join(parts, sep)+")", g.Not), nil
}

func (b *Builder) negate(frag string, not bool) string {
	if not {
		return "(NOT " + frag + ")"
	}
	return frag
}

// rule compiles one leaf. Every shape guards on IS NULL / IS NOT NULL so the
// result matches formula.Operator.TrueOnNull for null cells.
func (b *Builder) rule(r *formula.Rule) (string, error) {
	c := QuoteIdent(r.Field)

	switch r.Operator {
	case formula.OpIsNull:
		return "(" + c + " IS NULL)", nil
	case formula.OpIsNotNull:
		return "(" + c + " IS NOT NULL)", nil
	case formula.OpIsEmpty:
		return "(" + c + " IS NULL OR " + c + " = '')", nil
	case formula.OpIsNotEmpty:
		return "(" + c + " IS NOT NULL AND " + c + " <> '')", nil
	}

	if r.Operator.Ranged() {
		lo, hi, err := r.Range()
		if err != nil {
			return "", err
		}
		pl, ph := b.Bind(lo), b.Bind(hi)
		if r.Operator == formula.OpNotBetween {
			return fmt.Sprintf("(%s IS NOT NULL AND (%s < %s OR %s > %s))", c, c, pl, c, ph), nil
		}
		return fmt.Sprintf("(%s IS NOT NULL AND %s >= %s AND %s <= %s)", c, c, pl, c, ph), nil
	}

	lit, err := r.Literal()
	if err != nil {
		return "", err
	}
	if frame.IsNull(lit) {
		// A null literal only matches null cells.
		if r.Operator.TrueOnNull() {
			return "(" + c + " IS NULL)", nil
		}
		return "(1 = 0)", nil
	}

	var cmp string
	switch r.Operator {
	case formula.OpEqual, formula.OpNotEqual:
		cmp = c + " = " + b.Bind(lit)
	case formula.OpLess:
		cmp = c + " < " + b.Bind(lit)
	case formula.OpLessOrEqual:
		cmp = c + " <= " + b.Bind(lit)
	case formula.OpGreater:
		cmp = c + " > " + b.Bind(lit)
	case formula.OpGreaterOrEqual:
		cmp = c + " >= " + b.Bind(lit)
	case formula.OpBeginsWith, formula.OpNotBeginsWith:
		p1, p2 := b.Bind(lit), b.Bind(lit)
		cmp = fmt.Sprintf("substr(%s, 1, length(%s)) = %s", c, p1, p2)
	case formula.OpContains, formula.OpNotContains:
		cmp = b.d.Position(c, b.Bind(lit)) + " > 0"
	case formula.OpEndsWith, formula.OpNotEndsWith:
		p1, p2 := b.Bind(lit), b.Bind(lit)
		cmp = fmt.Sprintf("substr(%s, length(%s) - length(%s) + 1) = %s", c, c, p1, p2)
	default:
		return "", fmt.Errorf("unsupported operator %q on column %q", r.Operator, r.Field)
	}

	if r.Operator.TrueOnNull() {
		return "(" + c + " IS NULL OR NOT (" + cmp + "))", nil
	}
	return "(" + c + " IS NOT NULL AND " + cmp + ")", nil
}

// CompileFormula compiles a standalone formula with a fresh builder.
// Returns (fragment, params, error).
func CompileFormula(d Dialect, f *formula.Formula) (string, []any, error) {
	b := NewBuilder(d)
	frag, err := b.Formula(f)
	if err != nil {
		return "", nil, err
	}
	return frag, b.Args(), nil
}

// Select builds "SELECT cols FROM table [WHERE where] ORDER BY key".
// An empty column list selects every column.
//
// MANDATORY: includes ORDER BY on the stable order key.
func Select(d Dialect, table string, columns []string, where string) string {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = QuoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	sql := "SELECT " + cols + " FROM " + QuoteIdent(table)
	if where != "" {
		sql += " WHERE " + where
	}
	return sql + " ORDER BY " + d.OrderKey()
}

// Count builds "SELECT COUNT(*) FROM table [WHERE where]".
func Count(table string, where string) string {
	sql := "SELECT COUNT(*) FROM " + QuoteIdent(table)
	if where != "" {
		sql += " WHERE " + where
	}
	return sql
}
