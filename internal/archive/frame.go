package archive

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/ontask/dataengine/internal/frame"
)

// gobFrame is the binary form of a typed frame. Cells carry one payload
// field chosen by their column type.
type gobFrame struct {
	Columns []frame.Column
	Rows    [][]gobCell
}

type gobCell struct {
	Null bool
	S    string
	I    int64
	F    float64
	B    bool
	T    time.Time
}

// EncodeFrame serializes f with encoding/gob.
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	g := gobFrame{Columns: f.Columns(), Rows: make([][]gobCell, f.NumRows())}
	for i := range g.Rows {
		cells := f.RowValues(i)
		row := make([]gobCell, len(cells))
		for j, v := range cells {
			row[j] = toCell(v)
		}
		g.Rows[i] = row
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(data []byte) (*frame.Frame, error) {
	var g gobFrame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	f, err := frame.New(g.Columns...)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	for i, row := range g.Rows {
		if len(row) != len(g.Columns) {
			return nil, fmt.Errorf("decode frame: row %d has %d cells, want %d", i, len(row), len(g.Columns))
		}
		cells := make([]frame.Value, len(row))
		for j, c := range row {
			cells[j] = fromCell(c, g.Columns[j].Type)
		}
		if err := f.Append(cells...); err != nil {
			return nil, fmt.Errorf("decode frame row %d: %w", i, err)
		}
	}
	return f, nil
}

func toCell(v frame.Value) gobCell {
	switch val := v.(type) {
	case frame.String:
		return gobCell{S: string(val)}
	case frame.Int:
		return gobCell{I: int64(val)}
	case frame.Double:
		return gobCell{F: float64(val)}
	case frame.Bool:
		return gobCell{B: bool(val)}
	case frame.Time:
		return gobCell{T: val.Time}
	}
	return gobCell{Null: true}
}

func fromCell(c gobCell, t frame.DataType) frame.Value {
	if c.Null {
		return frame.Null{}
	}
	switch t {
	case frame.TypeInteger:
		return frame.Int(c.I)
	case frame.TypeDouble:
		return frame.Double(c.F)
	case frame.TypeBoolean:
		return frame.Bool(c.B)
	case frame.TypeDateTime:
		return frame.NewTime(c.T)
	}
	return frame.String(c.S)
}
