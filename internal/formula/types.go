package formula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ontask/dataengine/internal/frame"
)

// Node is a formula tree node. Sealed: only *Group and *Rule implement it.
type Node interface {
	formulaNode()
}

// Connector joins the children of a Group.
type Connector string

const (
	And Connector = "AND"
	Or  Connector = "OR"
)

// Group is an internal node: its children joined by Condition, negated at
// the end when Not is set. An empty AND group is true, an empty OR group is
// false.
type Group struct {
	Condition Connector
	Not       bool
	Rules     []Node
}

func (*Group) formulaNode() {}

// Operator names a rule comparison.
type Operator string

const (
	OpEqual          Operator = "equal"
	OpNotEqual       Operator = "not_equal"
	OpIsNull         Operator = "is_null"
	OpIsNotNull      Operator = "is_not_null"
	OpLess           Operator = "less"
	OpLessOrEqual    Operator = "less_or_equal"
	OpGreater        Operator = "greater"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpBetween        Operator = "between"
	OpNotBetween     Operator = "not_between"
	OpBeginsWith     Operator = "begins_with"
	OpNotBeginsWith  Operator = "not_begins_with"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpEndsWith       Operator = "ends_with"
	OpNotEndsWith    Operator = "not_ends_with"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
)

// Unary reports whether the operator takes no value.
func (o Operator) Unary() bool {
	switch o {
	case OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Ranged reports whether the operator takes a [lo, hi] pair.
func (o Operator) Ranged() bool {
	return o == OpBetween || o == OpNotBetween
}

// TrueOnNull reports whether the operator holds for a null cell.
func (o Operator) TrueOnNull() bool {
	switch o {
	case OpIsNull, OpIsEmpty, OpNotEqual, OpNotBeginsWith, OpNotContains, OpNotEndsWith:
		return true
	}
	return false
}

// Allowed reports whether the operator is defined for the given type.
func (o Operator) Allowed(t frame.DataType) bool {
	switch o {
	case OpEqual, OpNotEqual, OpIsNull, OpIsNotNull:
		return true
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual, OpBetween, OpNotBetween:
		return t.IsOrdered()
	case OpBeginsWith, OpNotBeginsWith, OpContains, OpNotContains,
		OpEndsWith, OpNotEndsWith, OpIsEmpty, OpIsNotEmpty:
		return t == frame.TypeString
	}
	return false
}

// Rule is a leaf comparing one column against a literal.
type Rule struct {
	// ID duplicates Field in the widget's JSON; both change together on rename.
	ID       string
	Field    string
	Type     frame.DataType
	Input    string
	Operator Operator
	// Value is the JSON-decoded literal: string, json.Number, bool, nil, or
	// a two-element []any for ranged operators.
	Value any
}

func (*Rule) formulaNode() {}

// Formula is a stored formula. A nil *Formula means "no formula". A non-nil
// Formula with a nil Root has been invalidated and selects nothing.
type Formula struct {
	Root Node
}

// Invalid reports whether the formula was invalidated.
func (f *Formula) Invalid() bool {
	return f != nil && f.Root == nil
}

// Invalidated returns the fail-closed formula that selects no rows.
func Invalidated() *Formula {
	return &Formula{}
}

// Parse decodes a formula from its JSON form. The literal `null` yields an
// invalidated formula; an empty input yields nil (no formula).
func Parse(data []byte) (*Formula, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if bytes.Equal(data, []byte("null")) {
		return Invalidated(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse formula: %w", err)
	}
	root, err := parseNode(raw)
	if err != nil {
		return nil, fmt.Errorf("parse formula: %w", err)
	}
	return &Formula{Root: root}, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustParse(s string) *Formula {
	f, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return f
}

func parseNode(raw map[string]any) (Node, error) {
	if _, isGroup := raw["condition"]; isGroup {
		return parseGroup(raw)
	}
	if _, isGroup := raw["rules"]; isGroup {
		return parseGroup(raw)
	}
	return parseRule(raw)
}

func parseGroup(raw map[string]any) (*Group, error) {
	g := &Group{Condition: And}
	if c, ok := raw["condition"]; ok && c != nil {
		s, ok := c.(string)
		if !ok {
			return nil, fmt.Errorf("condition must be a string, got %T", c)
		}
		switch Connector(s) {
		case And, Or:
			g.Condition = Connector(s)
		default:
			return nil, fmt.Errorf("unknown condition %q", s)
		}
	}
	if n, ok := raw["not"]; ok && n != nil {
		b, ok := n.(bool)
		if !ok {
			return nil, fmt.Errorf("not must be a boolean, got %T", n)
		}
		g.Not = b
	}
	rules, _ := raw["rules"].([]any)
	for i, r := range rules {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rules[%d]: expected object, got %T", i, r)
		}
		child, err := parseNode(m)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		g.Rules = append(g.Rules, child)
	}
	return g, nil
}

func parseRule(raw map[string]any) (*Rule, error) {
	r := &Rule{}
	r.Field, _ = raw["field"].(string)
	r.ID, _ = raw["id"].(string)
	r.Input, _ = raw["input"].(string)
	if r.Field == "" {
		r.Field = r.ID
	}
	if r.Field == "" {
		return nil, fmt.Errorf("rule without field")
	}
	if r.ID == "" {
		r.ID = r.Field
	}
	typ, _ := raw["type"].(string)
	t, err := frame.ParseDataType(typ)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Field, err)
	}
	r.Type = t
	op, _ := raw["operator"].(string)
	r.Operator = Operator(op)
	r.Value = raw["value"]
	return r, nil
}

// MarshalJSON encodes the formula in widget form. Invalidated formulas
// encode as null.
func (f *Formula) MarshalJSON() ([]byte, error) {
	if f == nil || f.Root == nil {
		return []byte("null"), nil
	}
	return json.Marshal(nodeJSON(f.Root))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Formula) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	if parsed == nil {
		parsed = Invalidated()
	}
	*f = *parsed
	return nil
}

func nodeJSON(n Node) map[string]any {
	switch node := n.(type) {
	case *Group:
		rules := make([]any, len(node.Rules))
		for i, c := range node.Rules {
			rules[i] = nodeJSON(c)
		}
		return map[string]any{
			"condition": string(node.Condition),
			"not":       node.Not,
			"rules":     rules,
			"valid":     true,
		}
	case *Rule:
		m := map[string]any{
			"id":       node.ID,
			"field":    node.Field,
			"type":     string(node.Type),
			"operator": string(node.Operator),
			"value":    node.Value,
		}
		if node.Input != "" {
			m["input"] = node.Input
		}
		return m
	}
	return nil
}

// Fields returns the sorted set of column names the formula references.
func (f *Formula) Fields() []string {
	if f == nil || f.Root == nil {
		return []string{}
	}
	set := map[string]struct{}{}
	walk(f.Root, func(r *Rule) { set[r.Field] = struct{}{} })
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasVariable reports whether any rule references the named column.
func (f *Formula) HasVariable(name string) bool {
	if f == nil || f.Root == nil {
		return false
	}
	found := false
	walk(f.Root, func(r *Rule) {
		if r.Field == name {
			found = true
		}
	})
	return found
}

// RuleCount returns the number of leaves in the formula.
func (f *Formula) RuleCount() int {
	if f == nil || f.Root == nil {
		return 0
	}
	n := 0
	walk(f.Root, func(*Rule) { n++ })
	return n
}

func walk(n Node, fn func(*Rule)) {
	switch node := n.(type) {
	case *Group:
		for _, c := range node.Rules {
			walk(c, fn)
		}
	case *Rule:
		fn(node)
	}
}
