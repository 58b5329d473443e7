// Package merge plans the combination of a workflow's data with a newly
// uploaded frame.
//
// A merge runs four steps in a fixed order, each feeding the next:
//
//  1. Rename the candidate's columns.
//  2. Project: drop candidate columns not flagged to keep.
//  3. Drop from the current data every column listed in Override; each
//     must be replaced by a candidate column of the same name.
//  4. Join on DstKey = SrcKey using How.
//
// Plan is pure. It never touches storage; the engine stores the result
// and reconciles the column registry in one transaction.
package merge

import (
	"fmt"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/registry"
)

// How selects the join kind.
type How string

const (
	Inner How = "inner"
	Outer How = "outer"
	Left  How = "left"
	Right How = "right"
)

// ParseHow validates a join kind.
func ParseHow(s string) (How, error) {
	switch h := How(s); h {
	case Inner, Outer, Left, Right:
		return h, nil
	}
	return "", errs.New(errs.InvalidValue, "unknown merge kind %q", s)
}

// Descriptor is everything the instructor chose in the merge dialog.
type Descriptor struct {
	// InitialNames are the candidate's column names as previewed. When
	// set, the candidate must still have exactly these columns.
	InitialNames []string `json:"initial_column_names,omitempty"`
	// Rename maps candidate column names to their new names.
	Rename map[string]string `json:"rename_column_names,omitempty"`
	// Keep flags candidate columns (by new name) to keep. Columns absent
	// from the map are kept.
	Keep     map[string]bool `json:"columns_to_upload,omitempty"`
	DstKey   string          `json:"dst_selected_key"`
	SrcKey   string          `json:"src_selected_key"`
	How      How             `json:"how_merge"`
	Override []string        `json:"override_columns_names,omitempty"`
}

// Stats summarizes how the two frames lined up.
type Stats struct {
	Matched    int      `json:"matched"`
	DstOnly    int      `json:"dst_only"`
	SrcOnly    int      `json:"src_only"`
	Rows       int      `json:"rows"`
	Columns    int      `json:"columns"`
	NewColumns []string `json:"new_columns"`
	Overridden []string `json:"overridden"`
}

// Result is a planned merge.
type Result struct {
	Frame *frame.Frame
	Stats Stats
}

// Plan computes the merge of src into dst. dst may be nil or have no
// columns, in which case the prepared candidate becomes the data.
//
// Failures:
//   - InvalidName: the candidate drifted from InitialNames, or a new name
//     is not a legal column name
//   - MissingField: a key or renamed column does not exist, the
//     candidate key was not kept, or an overridden current column has no
//     replacement in the candidate
//   - AmbiguousKey: a key has nulls or repeated values
//   - DuplicateColumn: a candidate column collides with a current column
//     that is not overridden
//   - TypeMismatch: the key columns cannot be compared
//   - EmptyMergeResult: the join produced no rows
func Plan(dst, src *frame.Frame, d Descriptor) (*Result, error) {
	if _, err := ParseHow(string(d.How)); err != nil {
		return nil, err
	}
	cand, err := prepare(src, d)
	if err != nil {
		return nil, err
	}

	if dst == nil || dst.NumCols() == 0 {
		if cand.NumRows() == 0 {
			return nil, errs.New(errs.EmptyMergeResult, "candidate data has no rows")
		}
		return &Result{Frame: cand, Stats: Stats{
			SrcOnly:    cand.NumRows(),
			Rows:       cand.NumRows(),
			Columns:    cand.NumCols(),
			NewColumns: cand.Names(),
			Overridden: []string{},
		}}, nil
	}

	if !dst.Has(d.DstKey) {
		return nil, errs.New(errs.MissingField, "key column not in current data").WithColumn(d.DstKey)
	}
	if !dst.IsUnique(d.DstKey) {
		return nil, errs.New(errs.AmbiguousKey, "current key column has duplicate or empty values").WithColumn(d.DstKey)
	}

	// Step 3: the key is the join column and is never dropped.
	overridden := []string{}
	var drop []string
	for _, name := range d.Override {
		if name == d.DstKey || !dst.Has(name) {
			continue
		}
		// An override replaces a column; it never deletes one.
		if !cand.Has(name) {
			return nil, errs.New(errs.MissingField, "overridden column not in new data").WithColumn(name)
		}
		drop = append(drop, name)
		overridden = append(overridden, name)
	}
	base := dst.Drop(drop...)

	dstKeyCol, _ := base.Column(d.DstKey)
	srcKeyCol, _ := cand.Column(d.SrcKey)
	if !dstKeyCol.Type.Compatible(srcKeyCol.Type) {
		return nil, errs.New(errs.TypeMismatch, "cannot join %s key with %s key", dstKeyCol.Type, srcKeyCol.Type).
			WithColumn(d.SrcKey)
	}

	shared := d.DstKey == d.SrcKey
	newCols := []string{}
	for _, c := range cand.Columns() {
		if shared && c.Name == d.SrcKey {
			continue
		}
		if base.Has(c.Name) {
			return nil, errs.New(errs.DuplicateColumn, "column exists in both current and new data; rename it or override it").
				WithColumn(c.Name)
		}
		newCols = append(newCols, c.Name)
	}

	out, stats, err := join(base, cand, d, dstKeyCol.Type, newCols)
	if err != nil {
		return nil, err
	}
	stats.NewColumns = newCols
	stats.Overridden = overridden
	if out.NumRows() == 0 {
		return nil, errs.New(errs.EmptyMergeResult, "%s merge on %s = %s produced no rows", d.How, d.DstKey, d.SrcKey)
	}
	return &Result{Frame: out, Stats: stats}, nil
}

// prepare runs steps 1 and 2 on the candidate and checks its key.
func prepare(src *frame.Frame, d Descriptor) (*frame.Frame, error) {
	if len(d.InitialNames) > 0 {
		if err := checkDrift(src.Names(), d.InitialNames); err != nil {
			return nil, err
		}
	}

	names := make(map[string]string, len(d.Rename))
	for from, to := range d.Rename {
		if from == to {
			continue
		}
		if !src.Has(from) {
			return nil, errs.New(errs.MissingField, "renamed column not in new data").WithColumn(from)
		}
		if err := registry.ValidateName(to); err != nil {
			return nil, err
		}
		names[from] = to
	}
	renamed, err := src.Rename(names)
	if err != nil {
		return nil, errs.Wrap(errs.DuplicateColumn, err, "rename new data")
	}

	if !renamed.Has(d.SrcKey) {
		return nil, errs.New(errs.MissingField, "key column not in new data").WithColumn(d.SrcKey)
	}
	if keep, ok := d.Keep[d.SrcKey]; ok && !keep {
		return nil, errs.New(errs.MissingField, "key column must be kept").WithColumn(d.SrcKey)
	}
	kept := make([]string, 0, renamed.NumCols())
	for _, name := range renamed.Names() {
		if keep, ok := d.Keep[name]; ok && !keep {
			continue
		}
		kept = append(kept, name)
	}
	cand, err := renamed.Project(kept...)
	if err != nil {
		return nil, err
	}
	if !cand.IsUnique(d.SrcKey) {
		return nil, errs.New(errs.AmbiguousKey, "new key column has duplicate or empty values").WithColumn(d.SrcKey)
	}
	return cand, nil
}

func checkDrift(got, want []string) error {
	drift := len(got) != len(want)
	for i := 0; !drift && i < len(got); i++ {
		drift = got[i] != want[i]
	}
	if drift {
		e := errs.New(errs.InvalidName, "new data columns changed since the preview")
		e.Details = map[string]string{"expected": fmt.Sprint(want), "actual": fmt.Sprint(got)}
		return e
	}
	return nil
}

// join runs step 4. Row order: inner and left follow dst; right follows
// src; outer is dst order then unmatched src rows in src order.
func join(base, cand *frame.Frame, d Descriptor, keyType frame.DataType, newCols []string) (*frame.Frame, Stats, error) {
	cols := append([]frame.Column{}, base.Columns()...)
	for _, name := range newCols {
		c, _ := cand.Column(name)
		cols = append(cols, c)
	}
	out, err := frame.New(cols...)
	if err != nil {
		return nil, Stats{}, err
	}

	// Integer and double keys share frame.Key, so mixed numeric keys match.
	srcRow := make(map[string]int, cand.NumRows())
	for i, v := range cand.Values(d.SrcKey) {
		srcRow[frame.Key(v)] = i
	}
	dstRow := make(map[string]int, base.NumRows())
	for i, v := range base.Values(d.DstKey) {
		dstRow[frame.Key(v)] = i
	}

	var stats Stats
	matchedSrc := make(map[int]bool, cand.NumRows())
	emit := func(di, si int) error {
		cells := make([]frame.Value, 0, len(cols))
		for _, c := range base.Columns() {
			switch {
			case di >= 0:
				cells = append(cells, base.Cell(di, c.Name))
			case c.Name == d.DstKey && si >= 0:
				// Unmatched candidate rows carry their key in the join column.
				v, err := frame.Coerce(cand.Cell(si, d.SrcKey), keyType)
				if err != nil {
					return errs.Wrap(errs.TypeMismatch, err, "join key").WithColumn(d.DstKey)
				}
				cells = append(cells, v)
			default:
				cells = append(cells, frame.Null{})
			}
		}
		for _, name := range newCols {
			if si >= 0 {
				cells = append(cells, cand.Cell(si, name))
			} else {
				cells = append(cells, frame.Null{})
			}
		}
		return out.Append(cells...)
	}

	if d.How == Right {
		for si := 0; si < cand.NumRows(); si++ {
			di, ok := dstRow[frame.Key(cand.Cell(si, d.SrcKey))]
			if !ok {
				di = -1
			}
			if err := emit(di, si); err != nil {
				return nil, Stats{}, err
			}
		}
	} else {
		for di := 0; di < base.NumRows(); di++ {
			si, ok := srcRow[frame.Key(base.Cell(di, d.DstKey))]
			if ok {
				matchedSrc[si] = true
			} else if d.How == Inner {
				continue
			} else {
				si = -1
			}
			if err := emit(di, si); err != nil {
				return nil, Stats{}, err
			}
		}
		if d.How == Outer {
			for si := 0; si < cand.NumRows(); si++ {
				if matchedSrc[si] {
					continue
				}
				if err := emit(-1, si); err != nil {
					return nil, Stats{}, err
				}
			}
		}
	}

	for di := 0; di < base.NumRows(); di++ {
		if _, ok := srcRow[frame.Key(base.Cell(di, d.DstKey))]; ok {
			stats.Matched++
		} else {
			stats.DstOnly++
		}
	}
	stats.SrcOnly = cand.NumRows() - stats.Matched
	stats.Rows = out.NumRows()
	stats.Columns = out.NumCols()
	return out, stats, nil
}
