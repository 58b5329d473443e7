package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/testutil"
	"github.com/ontask/dataengine/internal/tracking"
)

const studentsJSON = `[
	{"sid": 1, "email": "student01@bogus.com", "score": 9.0},
	{"sid": 2, "email": "student02@bogus.com", "score": 5.5},
	{"sid": 3, "email": "student03@bogus.com", "score": 3.0}
]`

type fixture struct {
	engine *engine.Engine
	http   *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := testutil.OpenStore(t, nil)

	signer, err := tracking.NewSigner([]byte("api-secret"))
	require.NoError(t, err)
	e, err := engine.New(s,
		engine.WithSigner(signer),
		engine.WithTrackingBaseURL("https://ontask.example.org"),
		engine.WithIDGenerator(engine.NewSequenceGenerator("job")),
	)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	e.Start(runCtx)
	t.Cleanup(func() {
		e.Close()
		cancel()
	})
	return &fixture{engine: e, http: NewServer(e, nil).Handler()}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	switch b := body.(type) {
	case nil:
		r = httptest.NewRequest(method, target, nil)
	case []byte:
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
		r.Header.Set(echo.HeaderContentType, "application/gzip")
	case string:
		r = httptest.NewRequest(method, target, strings.NewReader(b))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(data))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	w := httptest.NewRecorder()
	f.http.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *fixture) workflow(t *testing.T, name string) int64 {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/workflow", map[string]string{"owner": "instructor@bogus.com", "name": name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[workflowResponse](t, w).ID
}

func (f *fixture) upload(t *testing.T, id int64) {
	t.Helper()
	body := fmt.Sprintf(`{"data_frame": %s, "keys": ["sid"]}`, studentsJSON)
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/workflow/%d/table", id), body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestTableRoutes(t *testing.T) {
	f := newFixture(t)
	id := f.workflow(t, "course")
	path := fmt.Sprintf("/api/workflow/%d/table", id)

	f.upload(t, id)

	body := fmt.Sprintf(`{"data_frame": %s}`, studentsJSON)
	w := f.do(t, http.MethodPost, path, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get(echo.HeaderContentType))
	p := decode[ProblemDetails](t, w)
	assert.Equal(t, "CONFLICT", p.Kind)
	assert.Equal(t, http.StatusConflict, p.Status)

	w = f.do(t, http.MethodPut, path, `{"data_frame": [{"sid": 7}], "keys": ["sid"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decode[engine.TableSummary](t, w)
	assert.Equal(t, 1, sum.Rows)
	assert.Equal(t, []string{"sid"}, sum.Keys)

	w = f.do(t, http.MethodPut, path, body)
	require.Equal(t, http.StatusOK, w.Code)

	filter := url.QueryEscape(`{"field": "score", "type": "double", "operator": "greater", "value": 5}`)
	w = f.do(t, http.MethodGet, path+"?filter="+filter, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decode[[]map[string]any](t, w)
	require.Len(t, rows, 2)
	assert.Equal(t, "student01@bogus.com", rows[0]["email"])

	w = f.do(t, http.MethodGet, path+"?filter=notjson", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/workflow/abc/table", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMergeRoute(t *testing.T) {
	f := newFixture(t)
	id := f.workflow(t, "course")
	f.upload(t, id)
	path := fmt.Sprintf("/api/workflow/%d/merge", id)

	req := map[string]any{
		"src_df":   json.RawMessage(`[{"sid": 2, "midterm": 71}, {"sid": 3, "midterm": 64}, {"sid": 9, "midterm": 80}]`),
		"how":      "inner",
		"left_on":  "sid",
		"right_on": "sid",
	}
	w := f.do(t, http.MethodPut, path, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[engine.MergeReport](t, w)
	assert.Equal(t, 2, report.Stats.Rows)
	assert.Equal(t, []string{"midterm"}, report.Stats.NewColumns)

	req["src_df"] = json.RawMessage(`[{"sid": 100, "final": 1}]`)
	w = f.do(t, http.MethodPut, path, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "EMPTY_MERGE_RESULT", decode[ProblemDetails](t, w).Kind)

	req["how"] = "outer"
	w = f.do(t, http.MethodPut, path+"?async=1", req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[engine.Job](t, w)
	assert.Equal(t, engine.JobMerge, job.Kind)

	var got engine.Job
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, engine.JobFinished, got.Status)

	wf, err := f.engine.Workflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, wf.NRows)

	w = f.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRenderAndTrackingRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.workflow(t, "course")
	f.upload(t, id)
	require.NoError(t, f.engine.SetLearnerEmailColumn(ctx, id, "email"))
	a := &store.Action{WorkflowID: id, Name: "hello", Content: "Hi {{ sid }}"}
	require.NoError(t, f.engine.CreateAction(ctx, a))
	path := fmt.Sprintf("/api/action/%d/render", a.ID)

	w := f.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[engine.RenderReport](t, w)
	require.Len(t, report.Messages, 3)
	assert.Equal(t, "Hi 1", report.Messages[0].Text)
	assert.Equal(t, float64(3), report.Messages[2].Key["sid"], "JSON numbers decode as float64")
	assert.Equal(t, "student03@bogus.com", report.Messages[2].Recipient)

	w = f.do(t, http.MethodPost, path, map[string]any{"track_column": "EmailRead_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report = decode[engine.RenderReport](t, w)
	require.Len(t, report.Messages, 3)
	_, rest, ok := strings.Cut(report.Messages[0].Text, `src="`)
	require.True(t, ok)
	pixel, _, _ := strings.Cut(rest, `"`)
	u, err := url.Parse(strings.ReplaceAll(pixel, "&amp;", "&"))
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/trck?"+u.RawQuery, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tracking.ContentType, w.Header().Get(echo.HeaderContentType))
	assert.Equal(t, tracking.Pixel(), w.Body.Bytes())

	data, err := f.engine.Table(ctx, id, engine.TableQuery{})
	require.NoError(t, err)
	assert.Equal(t, []frame.Value{frame.Int(1), frame.Int(0), frame.Int(0)}, data.Values("EmailRead_1"))

	// Invalid tokens get the same answer and change nothing.
	w = f.do(t, http.MethodGet, "/trck?v=forged", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tracking.Pixel(), w.Body.Bytes())
	log, err := f.engine.TrackingLog(ctx, id)
	require.NoError(t, err)
	assert.Len(t, log, 1)

	w = f.do(t, http.MethodPost, path+"?async=1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, engine.JobRender, decode[engine.Job](t, w).Kind)

	w = f.do(t, http.MethodPost, "/api/action/999/render", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportImportRoutes(t *testing.T) {
	f := newFixture(t)
	id := f.workflow(t, "course")
	f.upload(t, id)

	w := f.do(t, http.MethodGet, fmt.Sprintf("/api/workflow/%d/export", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get(echo.HeaderContentType))
	assert.Contains(t, w.Header().Get(echo.HeaderContentDisposition), fmt.Sprintf("ontask_workflow_%d.gz", id))

	w = f.do(t, http.MethodPost, "/api/workflow/import?owner=other@bogus.com&name=copy", w.Body.Bytes())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wf := decode[workflowResponse](t, w)
	assert.NotEqual(t, id, wf.ID)
	assert.Equal(t, "copy", wf.Name)
	assert.Equal(t, 3, wf.NRows)

	w = f.do(t, http.MethodPost, "/api/workflow/import", []byte("not gzip"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusOf(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/workflow/404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	p := decode[ProblemDetails](t, w)
	assert.Equal(t, "NOT_FOUND", p.Kind)
	assert.Equal(t, "/api/workflow/404", p.Instance)
	assert.Equal(t, "Not Found", p.Title)

	w = f.do(t, http.MethodPost, "/api/workflow", `{"owner": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
