package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a sealed interface representing one typed cell.
// Only Null, String, Int, Double, Bool and Time implement it.
type Value interface {
	cell() // Sealed - only these types implement it
}

// Null represents a missing cell.
type Null struct{}

func (Null) cell() {}

// String is a text cell.
type String string

func (String) cell() {}

// Int is an integer cell. Always int64.
type Int int64

func (Int) cell() {}

// Double is a floating point cell.
type Double float64

func (Double) cell() {}

// Bool is a boolean cell.
type Bool bool

func (Bool) cell() {}

// Time is a datetime cell. Always UTC, truncated to microseconds so that
// every backend round-trips it unchanged.
type Time struct{ time.Time }

func (Time) cell() {}

// NewTime normalizes t and wraps it as a cell.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Microsecond)}
}

// IsNull reports whether v is a missing cell. A nil interface counts as null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// TypeOf returns the data type a non-null cell naturally belongs to.
// Null cells report String.
func TypeOf(v Value) DataType {
	switch v.(type) {
	case Int:
		return TypeInteger
	case Double:
		return TypeDouble
	case Bool:
		return TypeBoolean
	case Time:
		return TypeDateTime
	default:
		return TypeString
	}
}

// Native converts a cell to the Go value exposed to JSON encoders and
// templates. Null becomes nil.
func Native(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Double:
		return float64(val)
	case Bool:
		return bool(val)
	case Time:
		return val.Time
	default:
		return nil
	}
}

// Format renders a cell as text the way templates and CSV exports show it.
// Null renders as the empty string.
func Format(v Value) string {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Double:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return strconv.FormatFloat(f, 'f', 1, 64)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case Bool:
		if val {
			return "True"
		}
		return "False"
	case Time:
		return val.Time.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Equal reports whether two cells hold the same value. Integers compare
// exactly; an integer equals a double only when the double is that exact
// integer. Two nulls are equal.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch va := a.(type) {
	case Int:
		switch vb := b.(type) {
		case Int:
			return va == vb
		case Double:
			n, ok := exactInt(float64(vb))
			return ok && n == int64(va)
		}
	case Double:
		switch vb := b.(type) {
		case Double:
			return va == vb
		case Int:
			n, ok := exactInt(float64(va))
			return ok && n == int64(vb)
		}
	case String:
		vb, ok := b.(String)
		return ok && va == vb
	case Bool:
		vb, ok := b.(Bool)
		return ok && va == vb
	case Time:
		vb, ok := b.(Time)
		return ok && va.Time.Equal(vb.Time)
	}
	return false
}

// Key returns a string that identifies the value for hashing in joins and
// uniqueness checks. Cells that are Equal share a key.
func Key(v Value) string {
	switch val := v.(type) {
	case String:
		return "s:" + string(val)
	case Int:
		return "n:" + strconv.FormatInt(int64(val), 10)
	case Double:
		if n, ok := exactInt(float64(val)); ok {
			return "n:" + strconv.FormatInt(n, 10)
		}
		return "n:" + strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Bool:
		if val {
			return "b:1"
		}
		return "b:0"
	case Time:
		return "t:" + val.Time.Format(time.RFC3339Nano)
	default:
		return "null"
	}
}

// exactInt returns f as an int64 when f is integral and inside the int64
// range.
func exactInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// CompareNumbers orders two numeric cells. Two integers compare exactly;
// an integer meeting a double compares exactly when the double is
// integral and through float64 otherwise.
func CompareNumbers(a, b Value) int {
	ia, aInt := a.(Int)
	ib, bInt := b.(Int)
	if !aInt {
		if d, ok := a.(Double); ok && bInt {
			if n, ok := exactInt(float64(d)); ok {
				ia, aInt = Int(n), true
			}
		}
	}
	if !bInt {
		if d, ok := b.(Double); ok && aInt {
			if n, ok := exactInt(float64(d)); ok {
				ib, bInt = Int(n), true
			}
		}
	}
	if aInt && bInt {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	}
	fa, fb := numeric(a), numeric(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func numeric(v Value) float64 {
	switch val := v.(type) {
	case Int:
		return float64(val)
	case Double:
		return float64(val)
	}
	return 0
}

// Coerce converts a cell to the given data type. Strings are parsed; numbers
// convert between integer and double when no precision is lost. Null stays
// null. Returns an error describing the failed conversion.
func Coerce(v Value, t DataType) (Value, error) {
	if IsNull(v) {
		return Null{}, nil
	}
	switch t {
	case TypeString:
		if s, ok := v.(String); ok {
			return s, nil
		}
		return String(Format(v)), nil
	case TypeInteger:
		switch val := v.(type) {
		case Int:
			return val, nil
		case Double:
			if float64(val) == math.Trunc(float64(val)) {
				return Int(int64(val)), nil
			}
		case String:
			n, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
			if err == nil {
				return Int(n), nil
			}
			f, ferr := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
			if ferr == nil && f == math.Trunc(f) {
				return Int(int64(f)), nil
			}
		}
	case TypeDouble:
		switch val := v.(type) {
		case Double:
			return val, nil
		case Int:
			return Double(float64(val)), nil
		case String:
			f, err := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
			if err == nil {
				return Double(f), nil
			}
		}
	case TypeBoolean:
		switch val := v.(type) {
		case Bool:
			return val, nil
		case Int:
			if val == 0 || val == 1 {
				return Bool(val == 1), nil
			}
		case String:
			if b, ok := ParseBool(string(val)); ok {
				return Bool(b), nil
			}
		}
	case TypeDateTime:
		switch val := v.(type) {
		case Time:
			return val, nil
		case String:
			if ts, ok := ParseTime(string(val)); ok {
				return NewTime(ts), nil
			}
		}
	}
	return nil, fmt.Errorf("cannot convert %s value %q to %s", TypeOf(v), Format(v), t)
}

// ParseBool accepts the spellings OnTask data files use for booleans.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

// timeLayouts lists the layouts tried, in order, when inferring datetimes.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// ParseTime parses an ISO-8601 style timestamp. Values without a zone are
// read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
