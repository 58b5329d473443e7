package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/querysql"
	"github.com/ontask/dataengine/internal/registry"
	"github.com/ontask/dataengine/internal/render"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/tracking"
)

// DefaultChunkSize is the number of rows rendered between cancellation
// checks and progress updates.
const DefaultChunkSize = 100

// DefaultWorkers is the size of the background job pool.
const DefaultWorkers = 2

// Engine serializes writers per workflow and runs merges, uploads and
// action runs against one store.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - writers of the same workflow are serialized by its lock
//   - Start must be called once before submitted jobs run
type Engine struct {
	store     *store.Store
	log       *slog.Logger
	signer    *tracking.Signer
	baseURL   string
	chunkSize int
	workers   int
	ids       IDGenerator
	meter     metric.MeterProvider
	now       func() time.Time

	locks   *lockTable
	pool    *pool
	metrics *counters

	// onChunk is called after each recorded chunk of an action run.
	onChunk func(run *store.ActionRun)
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithSigner enables tracking: action runs can embed pixels and
// RegisterHit accepts tokens signed with s.
func WithSigner(s *tracking.Signer) EngineOption {
	return func(e *Engine) {
		e.signer = s
	}
}

// WithTrackingBaseURL sets the public base URL pixel links point to.
func WithTrackingBaseURL(u string) EngineOption {
	return func(e *Engine) {
		e.baseURL = u
	}
}

// WithChunkSize sets the rows per chunk of an action run.
//
// Default: 100 rows (DefaultChunkSize)
// Use WithChunkSize(1) in tests that cancel between rows.
func WithChunkSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithWorkers sets the number of background workers.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithIDGenerator replaces the UUIDv7 generator used for job and run ids.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. Default: the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) EngineOption {
	return func(e *Engine) {
		e.meter = mp
	}
}

// WithNow replaces the wall clock used for job timestamps and column
// active windows.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over s.
func New(s *store.Store, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:     s,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		chunkSize: DefaultChunkSize,
		workers:   DefaultWorkers,
		ids:       UUIDv7Generator{},
		now:       time.Now,
		locks:     newLockTable(),
	}
	for _, opt := range opts {
		opt(e)
	}

	m, err := newCounters(e.meter)
	if err != nil {
		return nil, err
	}
	e.metrics = m
	e.pool = newPool(e.workers, e.ids, e.now, e.log)
	e.pool.onDone = func(j Job) {
		e.metrics.addJob(context.Background(), j.Kind, j.Status)
	}
	return e, nil
}

// Start launches the background workers. They stop when ctx is done or
// Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.log.Info("engine starting", "workers", e.workers, "chunk_size", e.chunkSize)
	e.pool.start(ctx)
}

// Close cancels queued jobs and waits for running ones.
func (e *Engine) Close() {
	e.pool.close()
	e.log.Info("engine stopped")
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Job returns a snapshot of a background job.
func (e *Engine) Job(id string) (Job, error) {
	return e.pool.get(id)
}

// CancelJob cancels a queued or running job.
func (e *Engine) CancelJob(id string) (Job, error) {
	return e.pool.cancel(id)
}

// CancelWorkflow flags every operation running on the workflow; each one
// stops at its next chunk boundary with errs.Cancelled. Queued jobs of the
// workflow are cancelled too.
func (e *Engine) CancelWorkflow(id int64) {
	e.locks.cancel(id)
	e.pool.cancelWorkflow(id)
	e.log.Info("workflow cancelled", "workflow", id)
}

// withWorkflow runs fn under the workflow write lock inside one
// transaction.
func (e *Engine) withWorkflow(ctx context.Context, id int64, fn func(tx *store.Ops, wf *store.Workflow) error) error {
	g := e.locks.write(id)
	defer g.release()
	if err := g.check(ctx); err != nil {
		return err
	}
	return e.store.WithTx(ctx, func(tx *store.Ops) error {
		wf, err := tx.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		return fn(tx, wf)
	})
}

// CreateWorkflow creates an empty workflow.
func (e *Engine) CreateWorkflow(ctx context.Context, owner, name, description string) (*store.Workflow, error) {
	wf, err := e.store.CreateWorkflow(ctx, owner, name, description)
	if err != nil {
		return nil, err
	}
	e.log.Info("workflow created", "workflow", wf.ID, "name", name)
	return wf, nil
}

// Workflow returns one workflow.
func (e *Engine) Workflow(ctx context.Context, id int64) (*store.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// Workflows lists the workflows a user owns or shares.
func (e *Engine) Workflows(ctx context.Context, user string) ([]*store.Workflow, error) {
	return e.store.ListWorkflows(ctx, user)
}

// DeleteWorkflow removes a workflow and everything it owns.
func (e *Engine) DeleteWorkflow(ctx context.Context, id int64) error {
	err := e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		return tx.DeleteWorkflow(ctx, wf.ID)
	})
	if err != nil {
		return err
	}
	e.log.Info("workflow deleted", "workflow", id)
	return nil
}

// SetLearnerEmailColumn selects the column holding learner emails and
// refreshes the lusers hash. An empty name clears it.
func (e *Engine) SetLearnerEmailColumn(ctx context.Context, id int64, column string) error {
	return e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		if column != "" {
			if _, err := tx.GetColumn(ctx, id, column); err != nil {
				return err
			}
		}
		wf.LuserEmailColumn = column
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		_, err := registry.New(tx, wf).Reconcile(ctx)
		return err
	})
}

// SetAttribute sets or (with an empty value) removes a workflow attribute.
func (e *Engine) SetAttribute(ctx context.Context, id int64, key, value string) error {
	return e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		if render.IsReserved(key) {
			return errs.New(errs.InvalidName, "attribute name %q is reserved", key)
		}
		return tx.SetAttribute(ctx, wf.ID, key, value)
	})
}

// Columns returns the workflow's registered columns in position order.
func (e *Engine) Columns(ctx context.Context, id int64) ([]store.Column, error) {
	g := e.locks.read(id)
	defer g.release()
	return e.store.ListColumns(ctx, id)
}

// EditColumns runs fn against the workflow's column registry under the
// write lock in one transaction. Every registry change (rename, delete,
// move, key flags, categories, windows) goes through here.
func (e *Engine) EditColumns(ctx context.Context, id int64, fn func(ctx context.Context, r *registry.Registry) error) error {
	return e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		return fn(ctx, registry.New(tx, wf))
	})
}

// UploadOptions controls Upload.
type UploadOptions struct {
	// Replace overwrites an existing table. Without it an upload into a
	// workflow that already has data fails with Conflict.
	Replace bool
	// Keys names the key columns; empty means every unique column.
	Keys []string
	// Hints override inferred column types.
	Hints map[string]frame.DataType
}

// TableSummary describes a workflow's table after a write.
type TableSummary struct {
	WorkflowID int64    `json:"workflow_id"`
	Rows       int      `json:"nrows"`
	Columns    int      `json:"ncols"`
	Keys       []string `json:"keys"`
	LusersHash string   `json:"lusers_hash,omitempty"`
}

// Upload stores f as the workflow's table and registers its columns.
func (e *Engine) Upload(ctx context.Context, id int64, f *frame.Frame, opts UploadOptions) (*TableSummary, error) {
	for _, name := range f.Names() {
		if err := registry.ValidateName(name); err != nil {
			return nil, err
		}
	}
	var sum *TableSummary
	err := e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		if !opts.Replace {
			exists, err := tx.TableExists(ctx, wf.DataTable)
			if err != nil {
				return err
			}
			if exists {
				return errs.New(errs.Conflict, "workflow %d already has data", id).WithTable(wf.DataTable)
			}
		}
		if err := tx.StoreFrame(ctx, wf.DataTable, f, opts.Hints); err != nil {
			return err
		}
		reg := registry.New(tx, wf)
		if _, err := reg.Register(ctx, f, opts.Keys); err != nil {
			return err
		}
		if _, err := reg.Reconcile(ctx); err != nil {
			return err
		}
		var err error
		sum, err = summarize(ctx, reg, wf)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("table uploaded", "workflow", id, "rows", sum.Rows, "columns", sum.Columns)
	return sum, nil
}

// Flush drops the workflow's table and columns. Actions and views are kept.
func (e *Engine) Flush(ctx context.Context, id int64) error {
	err := e.withWorkflow(ctx, id, func(tx *store.Ops, wf *store.Workflow) error {
		if err := tx.DeleteTable(ctx, wf.DataTable); err != nil {
			return err
		}
		if err := tx.DeleteColumnsOf(ctx, wf.ID); err != nil {
			return err
		}
		return tx.SetDimensions(ctx, wf.ID, 0, 0, "")
	})
	if err != nil {
		return err
	}
	e.log.Info("table flushed", "workflow", id)
	return nil
}

func summarize(ctx context.Context, reg *registry.Registry, wf *store.Workflow) (*TableSummary, error) {
	cols, err := reg.Columns(ctx)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, c := range cols {
		if c.IsKey {
			keys = append(keys, c.Name)
		}
	}
	return &TableSummary{WorkflowID: wf.ID, Rows: wf.NRows, Columns: wf.NCols, Keys: keys, LusersHash: wf.LusersHash}, nil
}

// TableQuery selects part of a workflow's table.
type TableQuery struct {
	// ViewID restricts columns and rows to a saved view.
	ViewID int64
	// Filter is combined with the view filter using AND.
	Filter *formula.Formula
}

// Table reads the workflow's table in stable row order with registered
// column types.
func (e *Engine) Table(ctx context.Context, id int64, q TableQuery) (*frame.Frame, error) {
	g := e.locks.read(id)
	defer g.release()

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := e.store.TableExists(ctx, wf.DataTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "workflow %d has no data", id).WithTable(wf.DataTable)
	}
	registered, err := e.store.ListColumns(ctx, id)
	if err != nil {
		return nil, err
	}
	cols := frameColumns(registered)

	filters := []*formula.Formula{q.Filter}
	if q.ViewID != 0 {
		v, err := e.store.GetView(ctx, q.ViewID)
		if err != nil {
			return nil, err
		}
		if v.WorkflowID != id {
			return nil, errs.New(errs.NotFound, "view %d not found in workflow %d", q.ViewID, id)
		}
		if len(v.Columns) > 0 {
			cols = pick(cols, v.Columns)
		}
		filters = append(filters, v.Filter)
	}

	types := columnTypes(registered)
	b := querysql.NewBuilder(e.store.Dialect())
	where := ""
	for _, f := range filters {
		if f == nil {
			continue
		}
		if missing := f.Missing(types); len(missing) > 0 {
			return nil, errs.New(errs.MissingField, "filter references unknown column").WithColumn(missing[0])
		}
		frag, err := b.Formula(f)
		if err != nil {
			return nil, err
		}
		where = and(where, frag)
	}
	return e.store.SelectWhere(ctx, wf.DataTable, cols, where, b.Args())
}

// CreateAction stores an action with its conditions. When a.Columns is
// nil it is derived from the registered columns the template and formulas
// mention.
func (e *Engine) CreateAction(ctx context.Context, a *store.Action) error {
	if _, err := render.Parse(a.Content, escapeFor(a.Type) != render.EscapeHTML); err != nil {
		return err
	}
	return e.withWorkflow(ctx, a.WorkflowID, func(tx *store.Ops, wf *store.Workflow) error {
		if a.Columns == nil {
			cols, err := tx.ListColumns(ctx, wf.ID)
			if err != nil {
				return err
			}
			a.Columns = referencedColumns(a, cols)
		}
		return tx.CreateAction(ctx, a)
	})
}

// Action returns one action with its conditions.
func (e *Engine) Action(ctx context.Context, id int64) (*store.Action, error) {
	return e.store.GetAction(ctx, id)
}

// Actions lists the workflow's actions.
func (e *Engine) Actions(ctx context.Context, workflowID int64) ([]*store.Action, error) {
	return e.store.ListActions(ctx, workflowID)
}

// DeleteAction removes an action.
func (e *Engine) DeleteAction(ctx context.Context, id int64) error {
	a, err := e.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	return e.withWorkflow(ctx, a.WorkflowID, func(tx *store.Ops, _ *store.Workflow) error {
		return tx.DeleteAction(ctx, id)
	})
}

// CreateView stores a view.
func (e *Engine) CreateView(ctx context.Context, v *store.View) error {
	return e.withWorkflow(ctx, v.WorkflowID, func(tx *store.Ops, _ *store.Workflow) error {
		return tx.CreateView(ctx, v)
	})
}

// Views lists the workflow's views.
func (e *Engine) Views(ctx context.Context, workflowID int64) ([]*store.View, error) {
	return e.store.ListViews(ctx, workflowID)
}

func referencedColumns(a *store.Action, cols []store.Column) []string {
	used := map[string]bool{}
	if t, err := render.Parse(a.Content, true); err == nil {
		for _, v := range t.Variables() {
			used[v] = true
		}
	}
	for _, n := range a.Filter.Fields() {
		used[n] = true
	}
	for _, c := range a.Conditions {
		for _, n := range c.Formula.Fields() {
			used[n] = true
		}
	}
	out := []string{}
	for _, c := range cols {
		if used[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

func frameColumns(cols []store.Column) []frame.Column {
	out := make([]frame.Column, len(cols))
	for i, c := range cols {
		out[i] = frame.Column{Name: c.Name, Type: c.Type}
	}
	return out
}

func columnTypes(cols []store.Column) formula.Columns {
	out := make(formula.Columns, len(cols))
	for _, c := range cols {
		out[c.Name] = c.Type
	}
	return out
}

// pick keeps the columns named in names, in names order.
func pick(cols []frame.Column, names []string) []frame.Column {
	byName := make(map[string]frame.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	out := make([]frame.Column, 0, len(names))
	for _, n := range names {
		if c, ok := byName[n]; ok {
			out = append(out, c)
		}
	}
	return out
}

func and(where, frag string) string {
	if where == "" {
		return frag
	}
	return where + " AND " + frag
}
