package frame

import (
	"strconv"
	"strings"
)

// Infer runs the type-inference pass applied to every freshly loaded frame:
// text cells are trimmed, and a text column whose every non-null value parses
// as a datetime is replaced by the datetime column. Columns with no non-null
// values keep their type. The input is not modified.
func Infer(f *Frame) *Frame {
	out := f.Clone()
	for i, c := range out.columns {
		if c.Type != TypeString {
			continue
		}
		for _, row := range out.rows {
			if s, ok := row[i].(String); ok {
				row[i] = String(strings.TrimSpace(string(s)))
			}
		}
		if allParse(out.rows, i, func(s string) bool { _, ok := ParseTime(s); return ok }) {
			retyped, err := out.Retype(c.Name, TypeDateTime)
			if err == nil {
				out = retyped
			}
		}
	}
	return out
}

// allParse reports whether every non-null cell in column i is a String that
// satisfies ok, and at least one such cell exists.
func allParse(rows [][]Value, i int, ok func(string) bool) bool {
	seen := false
	for _, row := range rows {
		v := row[i]
		if IsNull(v) {
			continue
		}
		s, isStr := v.(String)
		if !isStr || !ok(string(s)) {
			return false
		}
		seen = true
	}
	return seen
}

// FromStrings builds a frame from a header and raw text records such as a CSV
// file delivers. Empty cells become null. Each column takes the narrowest type
// all of its non-null values parse as, trying integer, double, boolean and
// datetime before falling back to string. Explicit hints override inference.
func FromStrings(header []string, records [][]string, hints map[string]DataType) (*Frame, error) {
	cols := make([]Column, len(header))
	for i, name := range header {
		t, ok := hints[name]
		if !ok {
			t = inferColumn(records, i)
		}
		cols[i] = Column{Name: name, Type: t}
	}
	f, err := New(cols...)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		cells := make([]Value, len(header))
		for i := range header {
			cells[i] = Null{}
			if i < len(rec) {
				if s := strings.TrimSpace(rec[i]); s != "" {
					cells[i] = String(s)
				}
			}
		}
		if err := f.Append(cells...); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func inferColumn(records [][]string, i int) DataType {
	var vals []string
	for _, rec := range records {
		if i < len(rec) {
			if s := strings.TrimSpace(rec[i]); s != "" {
				vals = append(vals, s)
			}
		}
	}
	if len(vals) == 0 {
		return TypeString
	}
	candidates := []struct {
		t  DataType
		ok func(string) bool
	}{
		{TypeInteger, func(s string) bool { _, err := strconv.ParseInt(s, 10, 64); return err == nil }},
		{TypeDouble, func(s string) bool { _, err := strconv.ParseFloat(s, 64); return err == nil }},
		{TypeBoolean, func(s string) bool {
			switch strings.ToLower(s) {
			case "true", "false":
				return true
			}
			return false
		}},
		{TypeDateTime, func(s string) bool { _, ok := ParseTime(s); return ok }},
	}
	for _, c := range candidates {
		all := true
		for _, s := range vals {
			if !c.ok(s) {
				all = false
				break
			}
		}
		if all {
			return c.t
		}
	}
	return TypeString
}
