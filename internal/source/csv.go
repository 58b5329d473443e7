package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
)

// CSV reads a delimited text file. The encoding is detected: a UTF-8 or
// UTF-16 byte order mark wins, valid UTF-8 is taken as is, and anything
// else is read as Latin-1. Header names are NFC-normalized and trimmed.
type CSV struct {
	Data []byte
	// Delimiter defaults to a comma.
	Delimiter rune
	// SkipTop and SkipBottom drop lines around the table, such as report
	// titles or footers.
	SkipTop    int
	SkipBottom int
	// Hints override inferred column types.
	Hints map[string]frame.DataType

	warnings []string
	encoding string
}

// Fetch parses the file. Short rows are padded and long rows truncated,
// each with a warning.
func (s *CSV) Fetch(ctx context.Context) (*frame.Frame, map[string]frame.DataType, error) {
	s.warnings = nil
	text, enc, err := decode(s.Data)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidValue, err, "cannot decode file")
	}
	s.encoding = enc
	text = skipLines(text, s.SkipTop, s.SkipBottom)

	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if s.Delimiter != 0 {
		r.Comma = s.Delimiter
	}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errs.New(errs.InvalidValue, "file has no header row")
	}
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidValue, err, "read header")
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(norm.NFC.String(h))
	}

	var records [][]string
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, errs.Wrap(errs.Cancelled, err, "csv read cancelled")
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			s.warnings = append(s.warnings, fmt.Sprintf("line %d skipped: %v", line, err))
			continue
		}
		switch {
		case len(rec) < len(header):
			s.warnings = append(s.warnings, fmt.Sprintf("line %d has %d fields, padded to %d", line, len(rec), len(header)))
			rec = append(rec, make([]string, len(header)-len(rec))...)
		case len(rec) > len(header):
			s.warnings = append(s.warnings, fmt.Sprintf("line %d has %d fields, truncated to %d", line, len(rec), len(header)))
			rec = rec[:len(header)]
		}
		records = append(records, rec)
	}

	f, err := frame.FromStrings(header, records, s.Hints)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidName, err, "bad header")
	}
	return f, typesOf(f), nil
}

// Warnings returns the problems found by the last Fetch.
func (s *CSV) Warnings() []string { return s.warnings }

// Encoding returns the encoding detected by the last Fetch.
func (s *CSV) Encoding() string { return s.encoding }

// decode returns data as UTF-8 without a byte order mark.
func decode(data []byte) ([]byte, string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return data[3:], "utf-8", nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		out, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder(), data)
		return out, "utf-16le", err
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		out, _, err := transform.Bytes(unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder(), data)
		return out, "utf-16be", err
	case utf8.Valid(data):
		return data, "utf-8", nil
	}
	out, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	return out, "latin-1", err
}

func skipLines(text []byte, top, bottom int) []byte {
	if top <= 0 && bottom <= 0 {
		return text
	}
	lines := bytes.SplitAfter(bytes.TrimRight(text, "\r\n"), []byte("\n"))
	top = min(max(top, 0), len(lines))
	bottom = min(max(bottom, 0), len(lines)-top)
	return bytes.Join(lines[top:len(lines)-bottom], nil)
}
