package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/merge"
	"github.com/ontask/dataengine/internal/registry"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/testutil"
	"github.com/ontask/dataengine/internal/tracking"
)

const baseURL = "https://ontask.example.org"

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	ctx := context.Background()
	s := testutil.OpenStore(t, nil)

	signer, err := tracking.NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	base := []EngineOption{
		WithIDGenerator(NewSequenceGenerator("id")),
		WithSigner(signer),
		WithTrackingBaseURL(baseURL),
		WithWorkers(1),
	}
	e, err := New(s, append(base, opts...)...)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	e.Start(runCtx)
	t.Cleanup(func() {
		e.Close()
		cancel()
	})
	return e
}

func newWorkflow(t *testing.T, e *Engine) *store.Workflow {
	t.Helper()
	wf, err := e.CreateWorkflow(context.Background(), "instructor@bogus.com", fmt.Sprintf("wf-%s", t.Name()), "")
	require.NoError(t, err)
	return wf
}

// sidFrame builds a frame keyed by sid with one string column col.
func sidFrame(t *testing.T, col string, sids ...int64) *frame.Frame {
	t.Helper()
	f := frame.MustNew(
		frame.Column{Name: "sid", Type: frame.TypeInteger},
		frame.Column{Name: col, Type: frame.TypeString},
	)
	for _, sid := range sids {
		require.NoError(t, f.Append(frame.Int(sid), frame.String(fmt.Sprintf("%s%d", col, sid))))
	}
	return f
}

func studentFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f := frame.MustNew(
		frame.Column{Name: "sid", Type: frame.TypeInteger},
		frame.Column{Name: "email", Type: frame.TypeString},
		frame.Column{Name: "name", Type: frame.TypeString},
		frame.Column{Name: "score", Type: frame.TypeDouble},
	)
	require.NoError(t, f.Append(frame.Int(1), frame.String("student01@bogus.com"), frame.String("Ana"), frame.Double(9)))
	require.NoError(t, f.Append(frame.Int(2), frame.String("student02@bogus.com"), frame.String("Bo"), frame.Double(5.5)))
	require.NoError(t, f.Append(frame.Int(3), frame.String("student03@bogus.com"), frame.String("Cy"), frame.Double(3)))
	return f
}

func uploadStudents(t *testing.T, e *Engine) *store.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := newWorkflow(t, e)
	_, err := e.Upload(ctx, wf.ID, studentFrame(t), UploadOptions{Keys: []string{"sid", "email"}})
	require.NoError(t, err)
	require.NoError(t, e.SetLearnerEmailColumn(ctx, wf.ID, "email"))
	return wf
}

func scoreRule(op string, v float64) *formula.Formula {
	return formula.MustParse(fmt.Sprintf(`{"field": "score", "type": "double", "operator": %q, "value": %v}`, op, v))
}

func digest(t *testing.T, e *Engine, id int64) string {
	t.Helper()
	f, err := e.Table(context.Background(), id, TableQuery{})
	require.NoError(t, err)
	return frame.Digest(f)
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	in := studentFrame(t)

	sum, err := e.Upload(ctx, wf.ID, in, UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Rows)
	assert.Equal(t, 4, sum.Columns)
	assert.Equal(t, []string{"sid"}, sum.Keys)

	got, err := e.Table(ctx, wf.ID, TableQuery{})
	require.NoError(t, err)
	assert.Equal(t, frame.Digest(in), frame.Digest(got))

	_, err = e.Upload(ctx, wf.ID, in, UploadOptions{})
	assert.True(t, errs.Is(err, errs.Conflict), "second upload without replace: %v", err)

	sum, err = e.Upload(ctx, wf.ID, sidFrame(t, "a", 1, 2), UploadOptions{Replace: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Rows)
	assert.ElementsMatch(t, []string{"sid", "a"}, sum.Keys, "every unique column becomes a key")
}

func TestUpload_NoKeyRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)

	dup := frame.MustNew(frame.Column{Name: "x", Type: frame.TypeString})
	require.NoError(t, dup.Append(frame.String("same")))
	require.NoError(t, dup.Append(frame.String("same")))

	_, err := e.Upload(ctx, wf.ID, dup, UploadOptions{})
	assert.True(t, errs.Is(err, errs.AmbiguousKey))

	_, err = e.Table(ctx, wf.ID, TableQuery{})
	assert.True(t, errs.Is(err, errs.NotFound), "failed upload leaves no table")
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)

	require.NoError(t, e.Flush(ctx, wf.ID))
	cols, err := e.Columns(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, cols)
	got, err := e.Workflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.NRows)
	assert.Equal(t, "", got.LusersHash)

	_, err = e.Upload(ctx, wf.ID, studentFrame(t), UploadOptions{})
	assert.NoError(t, err, "upload after flush")
}

func TestTable_FilterAndView(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)

	f, err := e.Table(ctx, wf.ID, TableQuery{Filter: scoreRule("greater", 5)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumRows())

	v := &store.View{WorkflowID: wf.ID, Name: "low", Filter: scoreRule("less", 6), Columns: []string{"name", "score"}}
	require.NoError(t, e.CreateView(ctx, v))
	f, err = e.Table(ctx, wf.ID, TableQuery{ViewID: v.ID, Filter: scoreRule("greater", 5)})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "score"}, f.Names())
	assert.Equal(t, []frame.Value{frame.String("Bo")}, f.Values("name"))

	_, err = e.Table(ctx, wf.ID, TableQuery{Filter: formula.MustParse(`{"field": "ghost", "type": "string", "operator": "is_null", "value": null}`)})
	assert.True(t, errs.Is(err, errs.MissingField))
}

func TestMerge_InnerMatchingKeys(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	_, err := e.Upload(ctx, wf.ID, sidFrame(t, "a", 1, 2, 3, 4, 5, 6, 7, 8), UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)

	report, err := e.Merge(ctx, wf.ID, sidFrame(t, "b", 5, 6, 7, 8, 9, 10, 11, 12),
		merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Inner})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Stats.Rows)
	assert.Equal(t, []string{"sid"}, report.Keys)

	cols, err := e.Columns(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "b", cols[2].Name)
	assert.Equal(t, 3, cols[2].Position)

	f, err := e.Table(ctx, wf.ID, TableQuery{Filter: formula.MustParse(
		`{"field": "sid", "type": "integer", "operator": "greater", "value": 6}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumRows())

	got, err := e.Workflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.NRows)
	assert.Equal(t, 3, got.NCols)
}

func TestMerge_OuterKeepsBooleanColumn(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	dst := frame.MustNew(
		frame.Column{Name: "sid", Type: frame.TypeInteger},
		frame.Column{Name: "flag", Type: frame.TypeBoolean},
	)
	for i, b := range []bool{true, false, true} {
		require.NoError(t, dst.Append(frame.Int(int64(i+1)), frame.Bool(b)))
	}
	_, err := e.Upload(ctx, wf.ID, dst, UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)

	src := frame.MustNew(
		frame.Column{Name: "sid", Type: frame.TypeInteger},
		frame.Column{Name: "forcenas", Type: frame.TypeString},
	)
	require.NoError(t, src.Append(frame.Int(5), frame.String("value")))
	_, err = e.Merge(ctx, wf.ID, src, merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Outer})
	require.NoError(t, err)

	f, err := e.Table(ctx, wf.ID, TableQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, f.NumRows())
	assert.Equal(t, []frame.Value{frame.Null{}, frame.Null{}, frame.Null{}, frame.String("value")}, f.Values("forcenas"))
	assert.Equal(t, frame.Null{}, f.Cell(3, "flag"))

	cols, err := e.Columns(ctx, wf.ID)
	require.NoError(t, err)
	types := map[string]frame.DataType{}
	keys := map[string]bool{}
	for _, c := range cols {
		types[c.Name] = c.Type
		keys[c.Name] = c.IsKey
	}
	assert.Equal(t, frame.TypeBoolean, types["flag"])
	assert.False(t, keys["flag"])
	assert.True(t, keys["sid"])
}

func TestMerge_EmptyInnerLeavesTableUnchanged(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	_, err := e.Upload(ctx, wf.ID, sidFrame(t, "a", 1, 2, 3), UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)
	before := digest(t, e, wf.ID)

	_, err = e.Merge(ctx, wf.ID, sidFrame(t, "b", 100, 200), merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Inner})
	assert.True(t, errs.Is(err, errs.EmptyMergeResult), "%v", err)

	assert.Equal(t, before, digest(t, e, wf.ID))
	cols, err := e.Columns(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, cols, 2)
}

func TestMerge_OverrideWithoutReplacementKeepsColumn(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	_, err := e.Upload(ctx, wf.ID, sidFrame(t, "a", 1, 2, 3), UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)
	before := digest(t, e, wf.ID)

	_, err = e.Merge(ctx, wf.ID, sidFrame(t, "b", 1, 2),
		merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Left, Override: []string{"a"}})
	assert.True(t, errs.Is(err, errs.MissingField), "%v", err)

	assert.Equal(t, before, digest(t, e, wf.ID))
	cols, err := e.Columns(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "a", cols[1].Name)
}

func TestMerge_CancelledCommitsNothing(t *testing.T) {
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	_, err := e.Upload(context.Background(), wf.ID, sidFrame(t, "a", 1, 2, 3), UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)
	before := digest(t, e, wf.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Merge(ctx, wf.ID, sidFrame(t, "b", 1, 2), merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Left})
	assert.True(t, errs.Is(err, errs.Cancelled))
	assert.Equal(t, before, digest(t, e, wf.ID))
}

func TestMerge_IntoEmptyWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)

	report, err := e.Merge(ctx, wf.ID, sidFrame(t, "b", 7, 8),
		merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Outer})
	require.NoError(t, err)
	assert.Equal(t, []string{"sid"}, report.Keys)
	assert.Equal(t, 2, report.Stats.Rows)
}

func TestSubmitMerge(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := newWorkflow(t, e)
	_, err := e.Upload(ctx, wf.ID, sidFrame(t, "a", 1, 2, 3), UploadOptions{Keys: []string{"sid"}})
	require.NoError(t, err)

	job, err := e.SubmitMerge(wf.ID, sidFrame(t, "b", 2, 3, 4), merge.Descriptor{DstKey: "sid", SrcKey: "sid", How: merge.Left})
	require.NoError(t, err)
	assert.Equal(t, JobMerge, job.Kind)

	done := waitJob(t, e.Job, job.ID)
	require.Equal(t, JobFinished, done.Status, done.Error)
	report, ok := done.Result.(*MergeReport)
	require.True(t, ok)
	assert.Equal(t, 3, report.Stats.Rows)
	assert.Equal(t, 2, report.Stats.Matched)

	_, err = e.SubmitMerge(wf.ID, sidFrame(t, "b", 1), merge.Descriptor{How: "sideways"})
	assert.True(t, errs.Is(err, errs.InvalidValue))
}

func newAction(t *testing.T, e *Engine, wf *store.Workflow, content string, conds ...store.Condition) *store.Action {
	t.Helper()
	a := &store.Action{
		WorkflowID: wf.ID,
		Name:       "feedback",
		Type:       store.ActionPersonalizedText,
		Content:    content,
		Conditions: conds,
	}
	require.NoError(t, e.CreateAction(context.Background(), a))
	return a
}

func TestCreateAction_DerivesColumns(t *testing.T) {
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "Hi {{ name }} {{ nickname }}",
		store.Condition{Name: "High", Formula: scoreRule("greater_or_equal", 8)})
	assert.Equal(t, []string{"name", "score"}, a.Columns)

	bad := &store.Action{WorkflowID: wf.ID, Name: "broken", Content: "{% if x %}"}
	err := e.CreateAction(context.Background(), bad)
	assert.True(t, errs.Is(err, errs.InvalidValue), "%v", err)
}

func TestRender_SelectsRowsWithSomeCondition(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "Dear {{ name }}{% if High %}, great work{% endif %}{% if Low %}, let's talk{% endif %}",
		store.Condition{Name: "High", Formula: scoreRule("greater_or_equal", 8)},
		store.Condition{Name: "Low", Formula: scoreRule("less", 4)},
	)

	report, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.RunFinished, report.Status)
	assert.Equal(t, 2, report.Total)
	require.Len(t, report.Messages, 2)
	assert.Equal(t, "Dear Ana, great work", report.Messages[0].Text)
	assert.Equal(t, "Dear Cy, let's talk", report.Messages[1].Text)
	assert.Empty(t, report.Errors)

	run, err := e.ActionRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFinished, run.Status)
	assert.Equal(t, 2, run.ProcessedRows)
	assert.Equal(t, 1, run.LastRow)
	assert.NotNil(t, run.FinishedAt)

	all, err := e.Render(ctx, a.ID, RenderOptions{IncludeAllRows: true})
	require.NoError(t, err)
	require.Len(t, all.Messages, 3)
	assert.Equal(t, "Dear Bo", all.Messages[1].Text)
}

func TestRender_MessagesCarryRowKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "Dear {{ name }}",
		store.Condition{Name: "High", Formula: scoreRule("greater_or_equal", 8)},
		store.Condition{Name: "Low", Formula: scoreRule("less", 4)},
	)

	report, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	require.Len(t, report.Messages, 2)

	tests := []struct {
		text      string
		key       map[string]any
		recipient string
	}{
		{"Dear Ana", map[string]any{"sid": int64(1), "email": "student01@bogus.com"}, "student01@bogus.com"},
		{"Dear Cy", map[string]any{"sid": int64(3), "email": "student03@bogus.com"}, "student03@bogus.com"},
	}
	for i, tt := range tests {
		msg := report.Messages[i]
		assert.Equal(t, i, msg.Row, "position in the selection")
		assert.Equal(t, tt.text, msg.Text)
		assert.Equal(t, tt.key, msg.Key)
		assert.Equal(t, tt.recipient, msg.Recipient)
	}
}

func TestRender_KeyOutsideActiveWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, WithNow(func() time.Time { return now }))
	wf := uploadStudents(t, e)
	ended := now.Add(-time.Hour)
	require.NoError(t, e.EditColumns(ctx, wf.ID, func(ctx context.Context, r *registry.Registry) error {
		return r.SetActiveWindow(ctx, "sid", nil, &ended)
	}))
	a := newAction(t, e, wf, "{{ name }}: {{ sid }}")

	report, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	require.Len(t, report.Messages, 3)
	assert.Equal(t, "Ana: &lt;MISSING: sid&gt;", report.Messages[0].Text, "inactive key is not rendered")
	assert.Equal(t, int64(1), report.Messages[0].Key["sid"])
	assert.Equal(t, "student01@bogus.com", report.Messages[0].Recipient)
}

func TestRender_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "{{ sid }}: {{ name }} ({{ score }})")

	first, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	second, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Messages, second.Messages)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRender_BrokenFilterAndConditions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	ghost := formula.MustParse(`{"field": "ghost", "type": "string", "operator": "is_null", "value": null}`)

	a := newAction(t, e, wf, "x")
	a.Filter = ghost
	require.NoError(t, e.Store().UpdateAction(ctx, a))
	report, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Messages)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[len(report.Warnings)-1], "ghost")

	b := &store.Action{WorkflowID: wf.ID, Name: "only-broken", Content: "y",
		Conditions: []store.Condition{{Name: "Gone", Formula: ghost}}}
	require.NoError(t, e.CreateAction(ctx, b))
	report, err = e.Render(ctx, b.ID, RenderOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Messages, "no evaluable condition selects no rows")
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[len(report.Warnings)-1], "Gone")
}

func TestRender_ActiveWindowHidesColumn(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, WithNow(func() time.Time { return now }))
	wf := uploadStudents(t, e)
	ended := now.Add(-time.Hour)
	require.NoError(t, e.EditColumns(ctx, wf.ID, func(ctx context.Context, r *registry.Registry) error {
		return r.SetActiveWindow(ctx, "score", nil, &ended)
	}))
	a := newAction(t, e, wf, "{{ name }}: {{ score }}")

	report, err := e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	require.Len(t, report.Messages, 3)
	assert.Equal(t, "Ana: &lt;MISSING: score&gt;", report.Messages[0].Text)
	assert.Len(t, report.Errors, 3)
}

func TestRender_CancelBetweenChunks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithChunkSize(1))
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "{{ name }}")
	e.onChunk = func(run *store.ActionRun) {
		if run.ProcessedRows == 1 {
			e.CancelWorkflow(wf.ID)
		}
	}

	report, err := e.Render(ctx, a.ID, RenderOptions{})
	assert.True(t, errs.Is(err, errs.Cancelled), "%v", err)
	require.NotNil(t, report)
	assert.Equal(t, store.RunCancelled, report.Status)
	require.Len(t, report.Messages, 1)
	assert.Equal(t, "Ana", report.Messages[0].Text)

	run, err := e.ActionRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	assert.Equal(t, 1, run.ProcessedRows)
	assert.Equal(t, 0, run.LastRow)
	assert.Equal(t, 3, run.TotalRows)

	// The next run starts after the cancellation and completes.
	e.onChunk = nil
	report, err = e.Render(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	assert.Len(t, report.Messages, 3)
}

func TestSubmitRender_CancelJob(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithChunkSize(1))
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "{{ name }}")

	started := make(chan struct{})
	resume := make(chan struct{})
	e.onChunk = func(run *store.ActionRun) {
		if run.ProcessedRows == 1 {
			close(started)
			<-resume
		}
	}
	job, err := e.SubmitRender(ctx, a.ID, RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobRender, job.Kind)
	assert.Equal(t, wf.ID, job.WorkflowID)

	<-started
	_, err = e.CancelJob(job.ID)
	require.NoError(t, err)
	close(resume)

	done := waitJob(t, e.Job, job.ID)
	assert.Equal(t, JobCancelled, done.Status)
	report, ok := done.Result.(*RenderReport)
	require.True(t, ok)
	assert.Len(t, report.Messages, 1)
}

func tokenOf(t *testing.T, text string) string {
	t.Helper()
	_, rest, ok := strings.Cut(text, "/trck?v=")
	require.True(t, ok, "message has no tracking pixel: %s", text)
	token, _, ok := strings.Cut(rest, `"`)
	require.True(t, ok)
	return token
}

func TestRender_TrackingPixel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "<p>Hi {{ name }}</p>")

	report, err := e.Render(ctx, a.ID, RenderOptions{TrackColumn: "EmailRead_1"})
	require.NoError(t, err)
	require.Len(t, report.Messages, 3)
	assert.True(t, strings.HasPrefix(report.Messages[0].Text, "<p>Hi Ana</p><img src=\""+baseURL+"/trck?v="))

	f, err := e.Table(ctx, wf.ID, TableQuery{})
	require.NoError(t, err)
	assert.Equal(t, []frame.Value{frame.Int(0), frame.Int(0), frame.Int(0)}, f.Values("EmailRead_1"))

	entry, err := e.RegisterHit(ctx, tokenOf(t, report.Messages[1].Text))
	require.NoError(t, err)
	assert.Equal(t, "student02@bogus.com", entry.Recipient)
	assert.Equal(t, int64(1), entry.Counter)

	p, err := e.signer.Verify(tokenOf(t, report.Messages[0].Text))
	require.NoError(t, err)
	assert.Equal(t, "instructor@bogus.com", p.Sender)
	assert.Equal(t, "student01@bogus.com", p.Recipient)
	assert.Equal(t, "EmailRead_1", p.ColumnDst)

	_, err = e.Render(ctx, a.ID, RenderOptions{TrackColumn: "name"})
	assert.True(t, errs.Is(err, errs.TypeMismatch), "tracking into a string column")
}

func TestRender_NoPixelOutsideHTML(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	tests := []struct {
		name    string
		typ     store.ActionType
		content string
	}{
		{"json", store.ActionPersonalizedJSON, `{"name": "{{ name }}"}`},
		{"survey", store.ActionSurvey, "How was it, {{ name }}?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &store.Action{WorkflowID: wf.ID, Name: "a-" + tt.name, Type: tt.typ, Content: tt.content}
			require.NoError(t, e.CreateAction(ctx, a))

			report, err := e.Render(ctx, a.ID, RenderOptions{TrackColumn: "EmailRead_1"})
			require.NoError(t, err)
			require.Len(t, report.Messages, 3)
			for _, msg := range report.Messages {
				assert.NotContains(t, msg.Text, "<img")
			}
			assert.Contains(t, report.Warnings, fmt.Sprintf("%s actions carry no tracking pixel", tt.typ))
		})
	}
}

func TestRegisterHit_CountsEveryRead(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	require.NoError(t, e.EditColumns(ctx, wf.ID, func(ctx context.Context, r *registry.Registry) error {
		_, err := r.AddColumn(ctx, registry.Spec{Name: "EmailRead_1", Type: frame.TypeInteger}, frame.Int(0))
		return err
	}))
	a := newAction(t, e, wf, "hello")

	var tokens []string
	for i := 1; i <= 3; i++ {
		tok, err := e.TrackingToken(tracking.Payload{
			ActionID:       a.ID,
			Recipient:      fmt.Sprintf("student%02d@bogus.com", i),
			TrackingColumn: "email",
			ColumnDst:      "EmailRead_1",
		})
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	for round := int64(1); round <= 2; round++ {
		for _, tok := range tokens {
			entry, err := e.RegisterHit(ctx, tok)
			require.NoError(t, err)
			assert.Equal(t, round, entry.Counter)
		}
		f, err := e.Table(ctx, wf.ID, TableQuery{})
		require.NoError(t, err)
		assert.Equal(t, []frame.Value{frame.Int(round), frame.Int(round), frame.Int(round)}, f.Values("EmailRead_1"))
	}

	log, err := e.TrackingLog(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, log, 6)
	for i := 1; i < len(log); i++ {
		assert.Greater(t, log[i].Seq, log[i-1].Seq)
	}
	assert.Equal(t, int64(2), log[5].Counter)
}

func TestRegisterHit_Rejects(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)
	a := newAction(t, e, wf, "hello")

	_, err := e.RegisterHit(ctx, "garbage")
	assert.True(t, errs.Is(err, errs.BadSignature))

	unknown, err := e.TrackingToken(tracking.Payload{ActionID: a.ID, Recipient: "nobody@bogus.com",
		TrackingColumn: "email", ColumnDst: "EmailRead_1"})
	require.NoError(t, err)
	_, err = e.RegisterHit(ctx, unknown)
	assert.Error(t, err)

	log, err := e.TrackingLog(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, log, "rejected hits are not logged")

	plain, err := New(e.Store())
	require.NoError(t, err)
	_, err = plain.RegisterHit(ctx, unknown)
	assert.True(t, errs.Is(err, errs.InvalidValue), "no signer configured")
}

func TestDeleteWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	wf := uploadStudents(t, e)

	require.NoError(t, e.DeleteWorkflow(ctx, wf.ID))
	_, err := e.Workflow(ctx, wf.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
	ok, err := e.Store().TableExists(ctx, wf.DataTable)
	require.NoError(t, err)
	assert.False(t, ok)
}
