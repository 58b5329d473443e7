// Package source turns uploaded files into typed frames.
//
// Every adapter implements Source. The engine never sees file formats: it
// receives a frame and the column types the adapter settled on.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
)

// Source produces a frame and its column types.
type Source interface {
	Fetch(ctx context.Context) (*frame.Frame, map[string]frame.DataType, error)
}

// JSONRecords reads a JSON array of objects.
type JSONRecords struct {
	Data []byte
}

// Fetch decodes the records.
func (s *JSONRecords) Fetch(ctx context.Context) (*frame.Frame, map[string]frame.DataType, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f, err := frame.DecodeRecords(s.Data)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidValue, err, "records are not valid")
	}
	return f, typesOf(f), nil
}

// Open picks an adapter for path by extension: .json files are records,
// everything else is CSV.
func Open(path string, hints map[string]frame.DataType) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return &JSONRecords{Data: data}, nil
	}
	return &CSV{Data: data, Hints: hints}, nil
}

func typesOf(f *frame.Frame) map[string]frame.DataType {
	out := make(map[string]frame.DataType, f.NumCols())
	for _, c := range f.Columns() {
		out[c.Name] = c.Type
	}
	return out
}
