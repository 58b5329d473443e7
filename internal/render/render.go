// Package render turns an action template into one message per data row.
//
// The template language is a small interpreter with two forms, {{ name }}
// and {% if name %}…{% else %}…{% endif %}. Names are resolved verbatim,
// so column names with spaces and punctuation need no quoting. The render
// context is keyed by EncodeName(name); reserved slots (__action__,
// __viz_counter__) live beside user names and may not be shadowed.
//
// Rendering is pure: the same (template, conditions, attributes, frame)
// yields the same ordered message list. Problems with a single row are
// recorded and the run continues.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
)

// Escape selects how substituted values are escaped.
type Escape string

const (
	EscapeHTML Escape = "html"
	EscapeJSON Escape = "json"
	EscapeNone Escape = "none"
)

// Condition is a named formula usable in {% if %}.
type Condition struct {
	Name    string
	Formula *formula.Formula
}

// Spec is everything a renderer needs besides the rows.
type Spec struct {
	// ActionName fills the __action__ slot.
	ActionName string
	Template   string
	Escape     Escape
	Conditions []Condition
	Attributes map[string]string
	// Columns are the frame columns the rows will carry.
	Columns []string
	// ExcludeBlankOutput drops rows whose rendered text is only whitespace.
	ExcludeBlankOutput bool
}

// Message is the rendered output for one row.
type Message struct {
	// Row is the index of the row in the rendered frame.
	Row  int    `json:"row"`
	Text string `json:"text"`
	// Key holds the key column values of the source row, so a message
	// can be traced back to its row whatever the selection was.
	Key map[string]any `json:"key,omitempty"`
	// Recipient is the learner email of the row when the workflow has one.
	Recipient string `json:"recipient,omitempty"`
}

// RowError records a problem confined to one row.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Result is the outcome of rendering a frame.
type Result struct {
	Messages []Message  `json:"messages"`
	Errors   []RowError `json:"errors"`
	Warnings []string   `json:"warnings"`
	// Skipped counts rows dropped by ExcludeBlankOutput.
	Skipped int `json:"skipped"`
}

// Renderer renders one action over any number of rows.
type Renderer struct {
	spec     Spec
	tmpl     *Template
	escape   func(string) string
	conds    []Condition
	broken   map[string]bool
	warnings []string
}

// New parses the template and checks the context names. A column,
// attribute or condition named like a reserved slot fails with
// InvalidName. Conditions referencing columns not in spec.Columns
// evaluate false on every row and produce a warning.
func New(spec Spec) (*Renderer, error) {
	for _, group := range []struct {
		what  string
		names []string
	}{
		{"column", spec.Columns},
		{"attribute", sortedKeys(spec.Attributes)},
		{"condition", conditionNames(spec.Conditions)},
	} {
		for _, n := range group.names {
			if IsReserved(n) {
				return nil, errs.New(errs.InvalidName, "%s name %q is reserved", group.what, n).WithColumn(n)
			}
		}
	}

	tmpl, err := Parse(spec.Template, spec.Escape != EscapeHTML)
	if err != nil {
		return nil, err
	}
	r := &Renderer{spec: spec, tmpl: tmpl, broken: map[string]bool{}}
	switch spec.Escape {
	case EscapeHTML:
		r.escape = html.EscapeString
	case EscapeJSON:
		r.escape = jsonEscape
	default:
		r.escape = func(s string) string { return s }
	}

	have := make(formula.Columns, len(spec.Columns))
	for _, c := range spec.Columns {
		have[c] = frame.TypeString
	}
	for _, c := range spec.Conditions {
		if c.Formula == nil || c.Formula.Invalid() {
			r.broken[c.Name] = true
			r.warnings = append(r.warnings, fmt.Sprintf("condition %q has no valid formula and is false on every row", c.Name))
		} else if missing := c.Formula.Missing(have); len(missing) > 0 {
			r.broken[c.Name] = true
			r.warnings = append(r.warnings, fmt.Sprintf("condition %q references missing columns %s and is false on every row",
				c.Name, strings.Join(missing, ", ")))
		}
		r.conds = append(r.conds, c)
	}
	return r, nil
}

// Template returns the parsed template.
func (r *Renderer) Template() *Template { return r.tmpl }

// Warnings returns the problems found while preparing the renderer.
func (r *Renderer) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// RenderRow renders one row. index is copied into the message and any
// row errors. Unknown names render as "<MISSING: name>".
func (r *Renderer) RenderRow(index int, row formula.Row) (Message, []RowError) {
	ctx, rowErrs := r.context(index, row)
	var b strings.Builder
	st := &state{r: r, ctx: ctx, index: index, errs: rowErrs}
	st.render(&b, r.tmpl.nodes)
	return Message{Row: index, Text: b.String()}, st.errs
}

// RenderFrame renders every row of f in order.
func (r *Renderer) RenderFrame(f *frame.Frame) *Result {
	res := &Result{Messages: []Message{}, Errors: []RowError{}, Warnings: r.Warnings()}
	for i := 0; i < f.NumRows(); i++ {
		msg, rowErrs := r.RenderRow(i, formula.Row(f.Row(i)))
		res.Errors = append(res.Errors, rowErrs...)
		if r.spec.ExcludeBlankOutput && strings.TrimSpace(msg.Text) == "" {
			res.Skipped++
			continue
		}
		res.Messages = append(res.Messages, msg)
	}
	return res
}

// Blank reports whether a message would be dropped by ExcludeBlankOutput.
func (r *Renderer) Blank(m Message) bool {
	return r.spec.ExcludeBlankOutput && strings.TrimSpace(m.Text) == ""
}

// context builds the encoded-name context of one row. Later sources win:
// attributes, then columns, then conditions.
func (r *Renderer) context(index int, row formula.Row) (map[string]any, []RowError) {
	ctx := make(map[string]any, len(r.spec.Attributes)+len(row)+len(r.conds)+2)
	for k, v := range r.spec.Attributes {
		ctx[EncodeName(k)] = v
	}
	for k, v := range row {
		ctx[EncodeName(k)] = v
	}
	var rowErrs []RowError
	for _, c := range r.conds {
		ok := false
		if !r.broken[c.Name] {
			var err error
			ok, err = c.Formula.EvaluateBool(row)
			if err != nil {
				rowErrs = append(rowErrs, RowError{Row: index, Message: fmt.Sprintf("condition %q: %v", c.Name, err)})
				ok = false
			}
		}
		ctx[EncodeName(c.Name)] = ok
	}
	ctx[ActionSlot] = r.spec.ActionName
	ctx[VizCounterSlot] = 0
	return ctx, rowErrs
}

// lookup resolves a template name against the context. Reserved slots are
// stored unencoded.
func lookup(ctx map[string]any, name string) (any, bool) {
	if IsReserved(name) {
		v, ok := ctx[name]
		return v, ok
	}
	v, ok := ctx[EncodeName(name)]
	return v, ok
}

type state struct {
	r     *Renderer
	ctx   map[string]any
	index int
	errs  []RowError
}

func (s *state) render(b *strings.Builder, nodes []node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			b.WriteString(string(n))
		case *varNode:
			if n.literal {
				b.WriteString(n.name)
				continue
			}
			v, ok := lookup(s.ctx, n.name)
			if !ok {
				s.errs = append(s.errs, RowError{Row: s.index, Message: fmt.Sprintf("unknown variable %q", n.name)})
				b.WriteString(s.r.escape("<MISSING: " + n.name + ">"))
				continue
			}
			b.WriteString(s.r.escape(display(v)))
		case *ifNode:
			v, ok := lookup(s.ctx, n.name)
			if !ok {
				s.errs = append(s.errs, RowError{Row: s.index, Message: fmt.Sprintf("unknown condition %q", n.name)})
			}
			if ok && truthy(v) {
				s.render(b, n.then)
			} else {
				s.render(b, n.els)
			}
		}
	}
}

// display formats a context value for substitution.
func display(v any) string {
	switch val := v.(type) {
	case frame.Value:
		return frame.Format(val)
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprint(val)
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case frame.Value:
		switch c := val.(type) {
		case frame.Bool:
			return bool(c)
		case frame.Int:
			return c != 0
		case frame.Double:
			return c != 0
		case frame.String:
			return c != ""
		case frame.Time:
			return true
		}
		return false
	case int:
		return val != 0
	}
	return v != nil
}

// jsonEscape returns s as the inside of a JSON string literal.
func jsonEscape(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	out := bytes.TrimSuffix(b.Bytes(), []byte("\n"))
	return string(out[1 : len(out)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func conditionNames(conds []Condition) []string {
	out := make([]string, len(conds))
	for i, c := range conds {
		out[i] = c.Name
	}
	return out
}
