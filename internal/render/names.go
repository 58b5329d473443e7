package render

import (
	"strings"
)

// Reserved context slots. A column, attribute or condition with one of
// these names fails with InvalidName.
const (
	ActionSlot     = "__action__"
	VizCounterSlot = "__viz_counter__"
)

// ReservedNames lists the reserved context slots.
var ReservedNames = []string{ActionSlot, VizCounterSlot}

// IsReserved reports whether name is a reserved context slot.
func IsReserved(name string) bool {
	for _, r := range ReservedNames {
		if name == r {
			return true
		}
	}
	return false
}

// namePrefix marks encoded names that would otherwise start with a
// non-letter or look already prefixed.
const namePrefix = "OT_"

// escapes maps every printable ASCII byte outside [A-Za-z0-9] to the
// letter written after "_" in an encoded name.
var escapes = map[byte]byte{
	' ': 'a', '!': 'b', '"': 'c', '#': 'd', '$': 'e', '%': 'f', '&': 'g', '\'': 'h',
	'(': 'i', ')': 'j', '*': 'k', '+': 'l', ',': 'm', '-': 'n', '.': 'o', '/': 'p',
	':': 'q', ';': 'r', '<': 's', '=': 't', '>': 'u', '?': 'v', '@': 'w', '[': 'x',
	'\\': 'y', ']': 'z', '^': 'A', '`': 'B', '{': 'C', '|': 'D', '}': 'E', '~': 'F',
	'_': '_',
}

// unescapes is the inverse of escapes.
var unescapes = func() map[byte]byte {
	m := make(map[byte]byte, len(escapes))
	for k, v := range escapes {
		m[v] = k
	}
	return m
}()

const hexDigits = "0123456789abcdef"

// EncodeName maps an arbitrary column name to a standard identifier
// ([A-Za-z][A-Za-z0-9_]*). The map is reversible through DecodeName.
//
// Each byte outside [A-Za-z0-9] becomes "_" plus a letter from the escape
// table; bytes without a table entry become "_0" plus two hex digits.
// Names starting with a non-letter, and encodings that would start with
// "OT_", get the "OT_" prefix.
func EncodeName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 8)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case isAlnum(c):
			b.WriteByte(c)
		case escapes[c] != 0:
			b.WriteByte('_')
			b.WriteByte(escapes[c])
		default:
			b.WriteString("_0")
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	enc := b.String()
	if name == "" || !isLetter(name[0]) || strings.HasPrefix(enc, namePrefix) {
		return namePrefix + enc
	}
	return enc
}

// DecodeName inverts EncodeName. ok is false when s is not a valid
// encoding.
func DecodeName(s string) (name string, ok bool) {
	s = strings.TrimPrefix(s, namePrefix)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '_' {
			if !isAlnum(c) {
				return "", false
			}
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", false
		}
		i++
		if s[i] == '0' {
			if i+2 >= len(s) {
				return "", false
			}
			hi, lo := strings.IndexByte(hexDigits, s[i+1]), strings.IndexByte(hexDigits, s[i+2])
			if hi < 0 || lo < 0 {
				return "", false
			}
			b.WriteByte(byte(hi<<4 | lo))
			i += 2
			continue
		}
		orig, known := unescapes[s[i]]
		if !known {
			return "", false
		}
		b.WriteByte(orig)
	}
	return b.String(), true
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isAlnum(c byte) bool {
	return isLetter(c) || ('0' <= c && c <= '9')
}
