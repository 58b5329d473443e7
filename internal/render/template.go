package render

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ontask/dataengine/internal/errs"
)

// Template is a parsed action text. It supports two forms:
//
//	{{ name }}                          substitution; name is taken verbatim
//	{{ 'text' }}                        literal
//	{% if name %} … {% else %} … {% endif %}
//
// Parsing is row-independent: a template that parses renders on every row.
type Template struct {
	nodes []node
	vars  []string
	conds []string
}

type node interface{ node() }

type textNode string

type varNode struct {
	name    string
	literal bool
}

type ifNode struct {
	name      string
	then, els []node
}

func (textNode) node() {}
func (*varNode) node() {}
func (*ifNode) node()  {}

type tokenKind int

const (
	tokText tokenKind = iota
	tokVar
	tokTag
)

type token struct {
	kind tokenKind
	text string // inner text for tokVar/tokTag, verbatim for tokText
	raw  string // verbatim markup for tokVar/tokTag
	pos  int
}

// Parse parses template text. collapse drops the whitespace before each
// {% if %} and after each {% endif %}, for non-HTML output.
func Parse(src string, collapse bool) (*Template, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if collapse {
		trim(toks)
	}
	t := &Template{}
	nodes, end, err := t.parse(toks, 0, 0)
	if err != nil {
		return nil, err
	}
	if end != len(toks) {
		return nil, syntaxError(toks[end].pos, "unexpected {%% %s %%}", toks[end].text)
	}
	t.nodes = nodes
	return t, nil
}

// Variables returns the names used in {{ }} in order of first use.
func (t *Template) Variables() []string {
	return append([]string(nil), t.vars...)
}

// ConditionNames returns the names used in {% if %} in order of first use.
func (t *Template) ConditionNames() []string {
	return append([]string(nil), t.conds...)
}

func syntaxError(pos int, format string, args ...any) error {
	return errs.New(errs.InvalidValue, "template offset %d: %s", pos, fmt.Sprintf(format, args...))
}

// lex splits src into text, {{ }} and {% %} tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		start := nextMarkup(src, i)
		if start < 0 {
			toks = append(toks, token{kind: tokText, text: src[i:], pos: i})
			break
		}
		if start > i {
			toks = append(toks, token{kind: tokText, text: src[i:start], pos: i})
		}
		open, closer, kind := "{{", "}}", tokVar
		if src[start+1] == '%' {
			open, closer, kind = "{%", "%}", tokTag
		}
		end := strings.Index(src[start+2:], closer)
		if end < 0 {
			return nil, syntaxError(start, "unclosed %s", open)
		}
		stop := start + 2 + end + 2
		toks = append(toks, token{
			kind: kind,
			text: strings.TrimSpace(src[start+2 : start+2+end]),
			raw:  src[start:stop],
			pos:  start,
		})
		i = stop
	}
	return toks, nil
}

// nextMarkup returns the offset of the next "{{" or "{%" at or after from,
// or -1.
func nextMarkup(src string, from int) int {
	for j := from; j+1 < len(src); j++ {
		if src[j] == '{' && (src[j+1] == '{' || src[j+1] == '%') {
			return j
		}
	}
	return -1
}

// trim collapses every run of whitespace right before an {% if %} tag
// and right after an {% endif %} tag, so conditional blocks add no blank
// lines to plain text output.
func trim(toks []token) {
	for i, tk := range toks {
		if tk.kind != tokTag {
			continue
		}
		word, _, _ := strings.Cut(tk.text, " ")
		switch {
		case word == "if" && i > 0 && toks[i-1].kind == tokText:
			toks[i-1].text = strings.TrimRightFunc(toks[i-1].text, unicode.IsSpace)
		case word == "endif" && i+1 < len(toks) && toks[i+1].kind == tokText:
			toks[i+1].text = strings.TrimLeftFunc(toks[i+1].text, unicode.IsSpace)
		}
	}
}

// parse builds nodes from toks[i:] until an else/endif at depth > 0 or the
// end of input. Returns the index of the stopping token.
func (t *Template) parse(toks []token, i, depth int) ([]node, int, error) {
	var out []node
	for i < len(toks) {
		tk := toks[i]
		switch tk.kind {
		case tokText:
			if tk.text != "" {
				out = append(out, textNode(tk.text))
			}
			i++
		case tokVar:
			v, err := parseVar(tk)
			if err != nil {
				return nil, 0, err
			}
			if !v.literal {
				t.vars = appendOnce(t.vars, v.name)
			}
			out = append(out, v)
			i++
		case tokTag:
			word, rest, _ := strings.Cut(tk.text, " ")
			switch word {
			case "if":
				name := strings.TrimSpace(rest)
				if name == "" {
					return nil, 0, syntaxError(tk.pos, "if without a condition name")
				}
				t.conds = appendOnce(t.conds, name)
				n := &ifNode{name: name}
				then, stop, err := t.parse(toks, i+1, depth+1)
				if err != nil {
					return nil, 0, err
				}
				n.then = then
				if stop < len(toks) && toks[stop].text == "else" {
					els, stop2, err := t.parse(toks, stop+1, depth+1)
					if err != nil {
						return nil, 0, err
					}
					n.els, stop = els, stop2
				}
				if stop >= len(toks) || toks[stop].text != "endif" {
					return nil, 0, syntaxError(tk.pos, "if %q is not closed", name)
				}
				out = append(out, n)
				i = stop + 1
			case "else", "endif":
				if depth == 0 {
					return nil, 0, syntaxError(tk.pos, "%s without if", word)
				}
				return out, i, nil
			default:
				return nil, 0, syntaxError(tk.pos, "unknown tag %q", tk.text)
			}
		}
	}
	return out, i, nil
}

func parseVar(tk token) (*varNode, error) {
	s := tk.text
	if s == "" {
		return nil, syntaxError(tk.pos, "empty {{ }}")
	}
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return &varNode{name: s[1 : len(s)-1], literal: true}, nil
	}
	return &varNode{name: s}, nil
}

func appendOnce(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// RenameVariable rewrites every {{ from }} in src into {{ to }}. Text that
// does not lex is returned unchanged.
func RenameVariable(src, from, to string) string {
	return rewrite(src, func(tk token) string {
		if tk.kind == tokVar && tk.text == from {
			return "{{ " + to + " }}"
		}
		return tk.raw
	})
}

// RenameCondition rewrites every {% if from %} in src into {% if to %}.
func RenameCondition(src, from, to string) string {
	return rewrite(src, func(tk token) string {
		if tk.kind == tokTag {
			if word, rest, _ := strings.Cut(tk.text, " "); word == "if" && strings.TrimSpace(rest) == from {
				return "{% if " + to + " %}"
			}
		}
		return tk.raw
	})
}

func rewrite(src string, fn func(token) string) string {
	toks, err := lex(src)
	if err != nil {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	for _, tk := range toks {
		if tk.kind == tokText {
			b.WriteString(tk.text)
			continue
		}
		b.WriteString(fn(tk))
	}
	return b.String()
}
