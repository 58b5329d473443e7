package frame

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainFrame = "ontask/frame/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical returns a deterministic byte encoding of the frame: column names
// and types in order, then every row with each cell tagged by its type.
// Two frames have equal encodings iff they have the same columns, types and
// cells in the same order.
func Canonical(f *Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"columns":[`)
	for i, c := range f.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		writeString(&buf, c.Name)
		buf.WriteByte(',')
		writeString(&buf, string(c.Type))
		buf.WriteByte(']')
	}
	buf.WriteString(`],"rows":[`)
	for r, row := range f.rows {
		if r > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for i, v := range row {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCell(&buf, v)
		}
		buf.WriteByte(']')
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}

// Digest returns the domain-separated SHA-256 of the canonical encoding.
func Digest(f *Frame) string {
	return hashWithDomain(DomainFrame, Canonical(f))
}

// writeString writes a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
}

// writeCell writes a type-tagged cell. Doubles use the shortest
// round-tripping decimal form.
func writeCell(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case String:
		buf.WriteString(`["s",`)
		writeString(buf, string(val))
		buf.WriteByte(']')
	case Int:
		buf.WriteString(`["i",` + strconv.FormatInt(int64(val), 10) + `]`)
	case Double:
		buf.WriteString(`["d","` + strconv.FormatFloat(float64(val), 'g', -1, 64) + `"]`)
	case Bool:
		buf.WriteString(`["b",` + strconv.FormatBool(bool(val)) + `]`)
	case Time:
		buf.WriteString(`["t","` + val.Time.UTC().Format(time.RFC3339Nano) + `"]`)
	default:
		buf.WriteString("null")
	}
}

// TextHash returns the MD5 of the ordered concatenation of the values.
// Nulls contribute nothing. Used to detect changes in the learner-email column.
func TextHash(values []Value) string {
	h := md5.New()
	for _, v := range values {
		if s, ok := v.(String); ok {
			h.Write([]byte(s))
		} else if !IsNull(v) {
			h.Write([]byte(Format(v)))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
