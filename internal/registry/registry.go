// Package registry keeps a workflow's logical columns consistent with its
// data table and with every formula that references them.
//
// A Registry is bound to one workflow and one store.Ops. Callers hold the
// workflow lock and run the Registry inside store.WithTx, so a rename or
// delete rewrites the physical column, the column row and the dependent
// formulas together or not at all.
//
// INVARIANTS:
//
//   - Positions are dense 1..N after every operation
//   - Names are unique, non-empty and free of ' and "
//   - At least one key column while the table holds rows
//   - active_from <= active_to when both are set
//   - A non-empty category list covers every stored non-null value
package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/render"
	"github.com/ontask/dataengine/internal/store"
)

// Spec describes a column to register.
type Spec struct {
	Name  string
	Type  frame.DataType
	IsKey bool
}

// Registry edits the columns of one workflow.
type Registry struct {
	ops *store.Ops
	wf  *store.Workflow
}

// New binds a registry to a workflow. ops is usually the transaction-bound
// Ops handed out by store.WithTx.
func New(ops *store.Ops, wf *store.Workflow) *Registry {
	return &Registry{ops: ops, wf: wf}
}

// ValidateName checks that name can be used as a column name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errs.New(errs.InvalidName, "column name is empty")
	}
	if strings.ContainsAny(name, `'"`) {
		return errs.New(errs.InvalidName, "column name contains a quote").WithColumn(name)
	}
	if render.IsReserved(name) {
		return errs.New(errs.InvalidName, "column name is reserved").WithColumn(name)
	}
	return nil
}

// Columns returns the registered columns in position order.
func (r *Registry) Columns(ctx context.Context) ([]store.Column, error) {
	return r.ops.ListColumns(ctx, r.wf.ID)
}

// AddColumns registers new columns, appended in input order after the
// current last position. It does not touch the data table.
func (r *Registry) AddColumns(ctx context.Context, specs []Spec) ([]store.Column, error) {
	existing, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing)+len(specs))
	for _, c := range existing {
		taken[c.Name] = true
	}
	for _, s := range specs {
		if err := ValidateName(s.Name); err != nil {
			return nil, err
		}
		if taken[s.Name] {
			return nil, errs.New(errs.DuplicateColumn, "column already exists").WithColumn(s.Name)
		}
		if _, err := frame.ParseDataType(string(s.Type)); err != nil {
			return nil, errs.Wrap(errs.TypeMismatch, err, "add column").WithColumn(s.Name)
		}
		taken[s.Name] = true
	}

	next := len(existing) + 1
	out := make([]store.Column, 0, len(specs))
	for i, s := range specs {
		c := store.Column{WorkflowID: r.wf.ID, Name: s.Name, Type: s.Type, IsKey: s.IsKey, Position: next + i}
		if err := r.ops.InsertColumn(ctx, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AddColumn creates one column in both the registry and the data table,
// filling existing rows with def. A key column must end up unique, so it
// is only accepted on an empty table.
func (r *Registry) AddColumn(ctx context.Context, s Spec, def frame.Value) (*store.Column, error) {
	if s.IsKey && r.wf.NRows > 0 {
		return nil, errs.New(errs.AmbiguousKey, "a new column filled with one value cannot be a key").WithColumn(s.Name)
	}
	added, err := r.AddColumns(ctx, []Spec{s})
	if err != nil {
		return nil, err
	}
	ok, err := r.ops.TableExists(ctx, r.wf.DataTable)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := r.ops.AddColumn(ctx, r.wf.DataTable, s.Name, s.Type, def); err != nil {
			return nil, err
		}
	}
	if err := r.refreshDimensions(ctx); err != nil {
		return nil, err
	}
	return &added[0], nil
}

// Register replaces the registry with the columns of a freshly stored
// frame. keys names the key columns; when empty every unique column
// becomes a key. A non-empty frame without any usable key fails with
// AmbiguousKey.
func (r *Registry) Register(ctx context.Context, f *frame.Frame, keys []string) ([]store.Column, error) {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !f.Has(k) {
			return nil, errs.New(errs.MissingField, "key column not in data").WithColumn(k)
		}
		if f.NumRows() > 0 && !f.IsUnique(k) {
			return nil, errs.New(errs.AmbiguousKey, "key column has duplicate or empty values").WithColumn(k)
		}
		isKey[k] = true
	}
	if len(keys) == 0 {
		for _, name := range f.Names() {
			if f.NumRows() > 0 && f.IsUnique(name) {
				isKey[name] = true
			}
		}
	}
	if f.NumRows() > 0 && len(isKey) == 0 {
		return nil, errs.New(errs.AmbiguousKey, "data has no unique column to use as key")
	}

	if err := r.ops.DeleteColumnsOf(ctx, r.wf.ID); err != nil {
		return nil, err
	}
	specs := make([]Spec, 0, f.NumCols())
	for _, c := range f.Columns() {
		specs = append(specs, Spec{Name: c.Name, Type: c.Type, IsKey: isKey[c.Name]})
	}
	return r.AddColumns(ctx, specs)
}

// Rename renames a column in the data table and the registry, and
// rewrites every filter, condition, view filter and action text that
// references it.
func (r *Registry) Rename(ctx context.Context, from, to string) error {
	if from == to {
		return nil
	}
	if err := ValidateName(to); err != nil {
		return err
	}
	col, err := r.ops.GetColumn(ctx, r.wf.ID, from)
	if err != nil {
		return err
	}
	if _, err := r.ops.GetColumn(ctx, r.wf.ID, to); err == nil {
		return errs.New(errs.DuplicateColumn, "column already exists").WithColumn(to)
	} else if !errs.Is(err, errs.NotFound) {
		return err
	}

	ok, err := r.ops.TableExists(ctx, r.wf.DataTable)
	if err != nil {
		return err
	}
	if ok {
		if err := r.ops.RenameColumn(ctx, r.wf.DataTable, from, to); err != nil {
			return err
		}
	}
	col.Name = to
	if err := r.ops.UpdateColumn(ctx, col); err != nil {
		return err
	}

	refs, err := r.ops.RefsTo(ctx, r.wf.ID, from)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		f, err := r.ops.LoadFormula(ctx, ref)
		if err != nil {
			return err
		}
		if err := r.ops.SaveFormula(ctx, r.wf.ID, ref, f.RenameVariable(from, to)); err != nil {
			return err
		}
	}

	actions, err := r.ops.ListActions(ctx, r.wf.ID)
	if err != nil {
		return err
	}
	for _, a := range actions {
		content := render.RenameVariable(a.Content, from, to)
		if content == a.Content {
			continue
		}
		a.Content = content
		if err := r.ops.UpdateAction(ctx, a); err != nil {
			return err
		}
	}

	if r.wf.LuserEmailColumn == from {
		r.wf.LuserEmailColumn = to
		if err := r.ops.UpdateWorkflow(ctx, r.wf); err != nil {
			return err
		}
	}
	return nil
}

// Delete drops a column from the data table and the registry. Every
// formula that referenced it becomes invalidated and selects no rows.
// The last key column of a non-empty table cannot be deleted.
func (r *Registry) Delete(ctx context.Context, name string) error {
	col, err := r.ops.GetColumn(ctx, r.wf.ID, name)
	if err != nil {
		return err
	}
	if col.IsKey && r.wf.NRows > 0 {
		keys, err := r.keyCount(ctx)
		if err != nil {
			return err
		}
		if keys == 1 {
			return errs.New(errs.Conflict, "cannot delete the only key column").WithColumn(name)
		}
	}

	ok, err := r.ops.TableExists(ctx, r.wf.DataTable)
	if err != nil {
		return err
	}
	if ok {
		if err := r.ops.DropColumn(ctx, r.wf.DataTable, name); err != nil {
			return err
		}
	}
	if err := r.ops.DeleteColumnMeta(ctx, col.ID); err != nil {
		return err
	}

	refs, err := r.ops.RefsTo(ctx, r.wf.ID, name)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := r.ops.SaveFormula(ctx, r.wf.ID, ref, formula.Invalidated()); err != nil {
			return err
		}
	}

	if r.wf.LuserEmailColumn == name {
		r.wf.LuserEmailColumn = ""
		if err := r.ops.UpdateWorkflow(ctx, r.wf); err != nil {
			return err
		}
	}
	if err := r.compact(ctx); err != nil {
		return err
	}
	return r.refreshDimensions(ctx)
}

// Move places a column at target (1-based) and shifts the others.
func (r *Registry) Move(ctx context.Context, name string, target int) error {
	cols, err := r.Columns(ctx)
	if err != nil {
		return err
	}
	if target < 1 || target > len(cols) {
		return errs.New(errs.InvalidValue, "position %d outside 1..%d", target, len(cols)).WithColumn(name)
	}
	from := -1
	for i, c := range cols {
		if c.Name == name {
			from = i
			break
		}
	}
	if from < 0 {
		return errs.New(errs.NotFound, "column not found").WithColumn(name)
	}
	moved := cols[from]
	cols = append(cols[:from], cols[from+1:]...)
	cols = append(cols[:target-1], append([]store.Column{moved}, cols[target-1:]...)...)
	return r.renumber(ctx, cols)
}

// SetCategories replaces a column's allowed values. Values are coerced to
// the column type; the stored data must already fall inside the list.
// An empty list removes the restriction.
func (r *Registry) SetCategories(ctx context.Context, name string, values []frame.Value) error {
	col, err := r.ops.GetColumn(ctx, r.wf.ID, name)
	if err != nil {
		return err
	}
	cats := make([]frame.Value, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		cv, err := frame.Coerce(v, col.Type)
		if err != nil {
			return errs.Wrap(errs.TypeMismatch, err, "category value").WithColumn(name)
		}
		if frame.IsNull(cv) || seen[frame.Key(cv)] {
			continue
		}
		seen[frame.Key(cv)] = true
		cats = append(cats, cv)
	}
	if len(cats) > 0 {
		observed, err := r.observed(ctx, col)
		if err != nil {
			return err
		}
		if err := checkCategories(name, observed, cats); err != nil {
			return err
		}
	}
	col.Categories = cats
	return r.ops.UpdateColumn(ctx, col)
}

// RestrictValues enforces the category list of a column. A column without
// categories gets the sorted distinct values it currently holds; a column
// with categories fails with CategoryViolation if the data escaped them.
func (r *Registry) RestrictValues(ctx context.Context, name string) ([]frame.Value, error) {
	col, err := r.ops.GetColumn(ctx, r.wf.ID, name)
	if err != nil {
		return nil, err
	}
	observed, err := r.observed(ctx, col)
	if err != nil {
		return nil, err
	}
	if len(col.Categories) > 0 {
		if err := checkCategories(name, observed, col.Categories); err != nil {
			return nil, err
		}
		return col.Categories, nil
	}
	col.Categories = distinct(observed)
	if err := r.ops.UpdateColumn(ctx, col); err != nil {
		return nil, err
	}
	return col.Categories, nil
}

// RecomputeKeys clears the key flag of every key column that is not
// unique and non-null in f. Non-keys are never promoted. Returns the
// names whose flag was cleared.
func (r *Registry) RecomputeKeys(ctx context.Context, f *frame.Frame) ([]string, error) {
	cols, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}
	cleared := []string{}
	for i := range cols {
		c := &cols[i]
		if !c.IsKey || (f.Has(c.Name) && f.IsUnique(c.Name)) {
			continue
		}
		c.IsKey = false
		if err := r.ops.UpdateColumn(ctx, c); err != nil {
			return nil, err
		}
		cleared = append(cleared, c.Name)
	}
	return cleared, nil
}

// SetKey changes the key flag of a column. Promotion requires the stored
// values to be unique and non-null; the last key of a non-empty table
// cannot be demoted.
func (r *Registry) SetKey(ctx context.Context, name string, key bool) error {
	col, err := r.ops.GetColumn(ctx, r.wf.ID, name)
	if err != nil {
		return err
	}
	if col.IsKey == key {
		return nil
	}
	if key {
		observed, err := r.observedFrame(ctx, col)
		if err != nil {
			return err
		}
		if !observed.IsUnique(name) {
			return errs.New(errs.AmbiguousKey, "column has duplicate or empty values").WithColumn(name)
		}
	} else if r.wf.NRows > 0 {
		keys, err := r.keyCount(ctx)
		if err != nil {
			return err
		}
		if keys == 1 {
			return errs.New(errs.Conflict, "cannot unset the only key column").WithColumn(name)
		}
	}
	col.IsKey = key
	return r.ops.UpdateColumn(ctx, col)
}

// SetActiveWindow sets the interval during which a column is shown to
// actions. Either end may be nil.
func (r *Registry) SetActiveWindow(ctx context.Context, name string, from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return errs.New(errs.InvalidValue, "active window ends before it starts").WithColumn(name)
	}
	col, err := r.ops.GetColumn(ctx, r.wf.ID, name)
	if err != nil {
		return err
	}
	col.ActiveFrom, col.ActiveTo = from, to
	return r.ops.UpdateColumn(ctx, col)
}

// SetDescription updates the free-text description of a column.
func (r *Registry) SetDescription(ctx context.Context, name, description string) error {
	col, err := r.ops.GetColumn(ctx, r.wf.ID, name)
	if err != nil {
		return err
	}
	col.Description = description
	return r.ops.UpdateColumn(ctx, col)
}

// Reconcile re-reads the physical column types and aligns the registry
// with them: types follow the database, physical columns missing from the
// registry are appended, registry columns without a physical column are
// removed. Workflow dimensions and the learner-email hash are refreshed.
// Returns the names that changed.
func (r *Registry) Reconcile(ctx context.Context) ([]string, error) {
	ok, err := r.ops.TableExists(ctx, r.wf.DataTable)
	if err != nil {
		return nil, err
	}
	physical := []frame.Column{}
	if ok {
		if physical, err = r.ops.ColumnTypes(ctx, r.wf.DataTable); err != nil {
			return nil, err
		}
	}
	types := make(map[string]frame.DataType, len(physical))
	for _, c := range physical {
		types[c.Name] = c.Type
	}

	cols, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}
	changed := []string{}
	known := make(map[string]bool, len(cols))
	kept := cols[:0]
	for _, c := range cols {
		known[c.Name] = true
		t, ok := types[c.Name]
		if !ok {
			if err := r.ops.DeleteColumnMeta(ctx, c.ID); err != nil {
				return nil, err
			}
			changed = append(changed, c.Name)
			continue
		}
		if t != c.Type {
			c.Type = t
			c.Categories = recast(c.Categories, t)
			if err := r.ops.UpdateColumn(ctx, &c); err != nil {
				return nil, err
			}
			changed = append(changed, c.Name)
		}
		kept = append(kept, c)
	}
	if err := r.renumber(ctx, kept); err != nil {
		return nil, err
	}

	var extra []Spec
	for _, c := range physical {
		if !known[c.Name] {
			extra = append(extra, Spec{Name: c.Name, Type: c.Type})
			changed = append(changed, c.Name)
		}
	}
	if len(extra) > 0 {
		if _, err := r.AddColumns(ctx, extra); err != nil {
			return nil, err
		}
	}
	return changed, r.refreshDimensions(ctx)
}

// refreshDimensions stores the table shape and learner-email hash on the
// workflow row and in r.wf.
func (r *Registry) refreshDimensions(ctx context.Context) error {
	ok, err := r.ops.TableExists(ctx, r.wf.DataTable)
	if err != nil {
		return err
	}
	nrows, ncols, hash := 0, 0, ""
	if ok {
		if nrows, err = r.ops.Count(ctx, r.wf.DataTable, nil); err != nil {
			return err
		}
		cols, err := r.ops.ColumnTypes(ctx, r.wf.DataTable)
		if err != nil {
			return err
		}
		ncols = len(cols)
		if r.wf.LuserEmailColumn != "" {
			if hash, err = r.ops.ColumnHash(ctx, r.wf.DataTable, r.wf.LuserEmailColumn); err != nil {
				return err
			}
		}
	}
	if err := r.ops.SetDimensions(ctx, r.wf.ID, nrows, ncols, hash); err != nil {
		return err
	}
	r.wf.NRows, r.wf.NCols, r.wf.LusersHash = nrows, ncols, hash
	return nil
}

func (r *Registry) compact(ctx context.Context) error {
	cols, err := r.Columns(ctx)
	if err != nil {
		return err
	}
	return r.renumber(ctx, cols)
}

// renumber writes positions 1..N in slice order, touching only rows whose
// position changed.
func (r *Registry) renumber(ctx context.Context, cols []store.Column) error {
	for i := range cols {
		if cols[i].Position == i+1 {
			continue
		}
		cols[i].Position = i + 1
		if err := r.ops.UpdateColumn(ctx, &cols[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) keyCount(ctx context.Context) (int, error) {
	cols, err := r.Columns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cols {
		if c.IsKey {
			n++
		}
	}
	return n, nil
}

func (r *Registry) observedFrame(ctx context.Context, col *store.Column) (*frame.Frame, error) {
	ok, err := r.ops.TableExists(ctx, r.wf.DataTable)
	if err != nil {
		return nil, err
	}
	fc := frame.Column{Name: col.Name, Type: col.Type}
	if !ok {
		return frame.New(fc)
	}
	return r.ops.SelectWhere(ctx, r.wf.DataTable, []frame.Column{fc}, "", nil)
}

func (r *Registry) observed(ctx context.Context, col *store.Column) ([]frame.Value, error) {
	f, err := r.observedFrame(ctx, col)
	if err != nil {
		return nil, err
	}
	return f.Values(col.Name), nil
}

// checkCategories fails on the first non-null value outside cats.
func checkCategories(name string, values, cats []frame.Value) error {
	allowed := make(map[string]bool, len(cats))
	for _, c := range cats {
		allowed[frame.Key(c)] = true
	}
	for _, v := range values {
		if frame.IsNull(v) || allowed[frame.Key(v)] {
			continue
		}
		e := errs.New(errs.CategoryViolation, "value %q is not an allowed category", frame.Format(v)).WithColumn(name)
		e.Details = map[string]string{"value": frame.Format(v)}
		return e
	}
	return nil
}

// distinct returns the sorted distinct non-null values.
func distinct(values []frame.Value) []frame.Value {
	seen := make(map[string]bool, len(values))
	out := []frame.Value{}
	for _, v := range values {
		if frame.IsNull(v) || seen[frame.Key(v)] {
			continue
		}
		seen[frame.Key(v)] = true
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b frame.Value) bool {
	switch va := a.(type) {
	case frame.Int:
		if vb, ok := b.(frame.Int); ok {
			return va < vb
		}
	case frame.Double:
		if vb, ok := b.(frame.Double); ok {
			return va < vb
		}
	case frame.Time:
		if vb, ok := b.(frame.Time); ok {
			return va.Before(vb.Time)
		}
	case frame.Bool:
		if vb, ok := b.(frame.Bool); ok {
			return !bool(va) && bool(vb)
		}
	}
	return frame.Format(a) < frame.Format(b)
}

// recast converts categories to a new type, dropping the list when any
// value does not convert.
func recast(cats []frame.Value, t frame.DataType) []frame.Value {
	out := make([]frame.Value, 0, len(cats))
	for _, c := range cats {
		v, err := frame.Coerce(c, t)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}
