package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeRecords parses a JSON array of objects ("records" orientation) into a
// frame. Column order follows first appearance across records. Each column's
// type is the narrowest type that holds all of its non-null values: integer
// widens to double, and any other mix falls back to string. Infer is then
// applied so that ISO timestamps become datetime columns.
func DecodeRecords(data []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("decode records: expected array, got %v", tok)
	}

	var order []string
	seen := map[string]bool{}
	var records []map[string]Value
	for dec.More() {
		rec, keys, err := decodeRecord(dec)
		if err != nil {
			return nil, fmt.Errorf("decode records: record %d: %w", len(records), err)
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
		records = append(records, rec)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	cols := make([]Column, len(order))
	for i, name := range order {
		cols[i] = Column{Name: name, Type: widen(records, name)}
	}
	f, err := New(cols...)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	for _, rec := range records {
		cells := make([]Value, len(order))
		for i, name := range order {
			if v, ok := rec[name]; ok {
				cells[i] = v
			}
		}
		if err := f.Append(cells...); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
	}
	return Infer(f), nil
}

func decodeRecord(dec *json.Decoder) (map[string]Value, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}
	rec := map[string]Value{}
	var keys []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected key, got %v", kt)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("key %q: %w", key, err)
		}
		v, err := fromJSON(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("key %q: %w", key, err)
		}
		rec[key] = v
		keys = append(keys, key)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return rec, keys, nil
}

// fromJSON converts a decoded JSON scalar into a cell. Numbers without a
// fraction or exponent become Int.
func fromJSON(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null{}, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			if n, err := val.Int64(); err == nil {
				return Int(n), nil
			}
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", s)
		}
		return Double(f), nil
	default:
		return nil, fmt.Errorf("unsupported JSON value of type %T", raw)
	}
}

func widen(records []map[string]Value, name string) DataType {
	var t DataType
	for _, rec := range records {
		v, ok := rec[name]
		if !ok || IsNull(v) {
			continue
		}
		vt := TypeOf(v)
		switch {
		case t == "":
			t = vt
		case t == vt:
		case t.IsNumeric() && vt.IsNumeric():
			t = TypeDouble
		default:
			return TypeString
		}
	}
	if t == "" {
		return TypeString
	}
	return t
}

// MarshalJSON encodes the frame as a JSON array of objects with keys in
// column order. Datetimes use RFC 3339; nulls are null.
func (f *Frame) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for r, row := range f.rows {
		if r > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i, c := range f.columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(c.Name)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(Native(row[i]))
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", c.Name, r, err)
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes records into the frame, replacing its contents.
func (f *Frame) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeRecords(data)
	if err != nil {
		return err
	}
	*f = *decoded
	return nil
}
