package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/querysql"
)

// createTestStore opens a fresh SQLite store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sampleFrame has one column per type and nulls scattered through it.
func sampleFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f := frame.MustNew(
		frame.Column{Name: "email", Type: frame.TypeString},
		frame.Column{Name: "name", Type: frame.TypeString},
		frame.Column{Name: "age", Type: frame.TypeInteger},
		frame.Column{Name: "score", Type: frame.TypeDouble},
		frame.Column{Name: "passed", Type: frame.TypeBoolean},
		frame.Column{Name: "when", Type: frame.TypeDateTime},
	)
	at := func(s string) frame.Value {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return frame.NewTime(ts)
	}
	rows := [][]frame.Value{
		{frame.String("a@x.org"), frame.String("Alice"), frame.Int(20), frame.Double(7.5), frame.Bool(true), at("2024-03-01T10:00:00Z")},
		{frame.String("b@x.org"), frame.String("Bob"), frame.Int(35), frame.Double(4.25), frame.Bool(false), at("2024-03-02T09:30:00Z")},
		{frame.String("c@x.org"), frame.Null{}, frame.Null{}, frame.Double(9), frame.Null{}, frame.Null{}},
		{frame.String("d@x.org"), frame.String(""), frame.Int(41), frame.Null{}, frame.Bool(true), at("2023-12-31T23:59:59Z")},
		{frame.String("e@x.org"), frame.String("Alicia"), frame.Int(20), frame.Double(-1), frame.Bool(false), at("2024-03-01T10:00:00Z")},
	}
	for _, r := range rows {
		require.NoError(t, f.Append(r...))
	}
	return f
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(context.Background(), path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", fmt.Sprint(currentSchemaVersion)))
}

func TestOpen_MigratesV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE action_runs (id TEXT PRIMARY KEY, workflow_id INTEGER, action_id INTEGER,
		status TEXT, total_rows INTEGER, processed_rows INTEGER, last_row INTEGER,
		errors TEXT NOT NULL DEFAULT '[]', started_at TEXT, finished_at TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM pragma_table_info('action_runs') WHERE name = 'warnings'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	lite := &Ops{d: querysql.SQLite{}}
	pg := &Ops{d: querysql.Postgres{}}
	q := `SELECT "a?" FROM t WHERE x = ? AND y = '?' AND z = ?`

	assert.Equal(t, q, lite.rebind(q))
	assert.Equal(t, `SELECT "a?" FROM t WHERE x = $1 AND y = '?' AND z = $2`, pg.rebind(q))
}

func TestStoreFrame_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	in := sampleFrame(t)

	require.NoError(t, s.StoreFrame(ctx, "data", in, nil))

	out, err := s.LoadFrame(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, in.Columns(), out.Columns())
	require.Equal(t, in.NumRows(), out.NumRows())
	for r := 0; r < in.NumRows(); r++ {
		for _, name := range in.Names() {
			assert.True(t, frame.Equal(in.Cell(r, name), out.Cell(r, name)),
				"row %d column %s: %v != %v", r, name, in.Cell(r, name), out.Cell(r, name))
		}
	}
	assert.Equal(t, frame.Digest(in), frame.Digest(out))
}

func TestStoreFrame_ReplacesTable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))

	small := frame.MustNew(frame.Column{Name: "only", Type: frame.TypeInteger})
	require.NoError(t, small.Append(frame.Int(1)))
	require.NoError(t, s.StoreFrame(ctx, "data", small, nil))

	cols, err := s.ColumnTypes(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, []frame.Column{{Name: "only", Type: frame.TypeInteger}}, cols)
}

func TestStoreFrame_Hints(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	f := frame.MustNew(frame.Column{Name: "n", Type: frame.TypeString})
	require.NoError(t, f.Append(frame.String("1")))
	require.NoError(t, f.Append(frame.String("2")))

	require.NoError(t, s.StoreFrame(ctx, "data", f, map[string]frame.DataType{"n": frame.TypeDouble}))
	cols, err := s.ColumnTypes(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, frame.TypeDouble, cols[0].Type)

	bad := frame.MustNew(frame.Column{Name: "n", Type: frame.TypeString})
	require.NoError(t, bad.Append(frame.String("abc")))
	err = s.StoreFrame(ctx, "data", bad, map[string]frame.DataType{"n": frame.TypeInteger})
	assert.True(t, errs.Is(err, errs.TypeMismatch))

	// The failed store left the previous table in place.
	n, err := s.Count(ctx, "data", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreFrame_NoColumns(t *testing.T) {
	s := createTestStore(t)
	err := s.StoreFrame(context.Background(), "data", frame.MustNew(), nil)
	assert.True(t, errs.Is(err, errs.MissingField))
}

func TestSelect_FilterAndOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))

	f := formula.MustParse(rule("age", "integer", "equal", 20))
	out, err := s.Select(ctx, "data", []frame.Column{{Name: "email", Type: frame.TypeString}}, f)
	require.NoError(t, err)
	assert.Equal(t, []frame.Value{frame.String("a@x.org"), frame.String("e@x.org")}, out.Values("email"))

	n, err := s.Count(ctx, "data", f)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Count(ctx, "data", formula.Invalidated())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestFormula_SQLMatchesEvaluator checks that every operator selects the
// same rows in SQL as the in-memory evaluator, nulls included.
func TestFormula_SQLMatchesEvaluator(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	data := sampleFrame(t)
	require.NoError(t, s.StoreFrame(ctx, "data", data, nil))

	cases := []string{
		rule("name", "string", "equal", "Alice"),
		rule("name", "string", "not_equal", "Alice"),
		rule("name", "string", "begins_with", "Ali"),
		rule("name", "string", "not_begins_with", "Ali"),
		rule("name", "string", "contains", "o"),
		rule("name", "string", "not_contains", "o"),
		rule("name", "string", "ends_with", "ce"),
		rule("name", "string", "not_ends_with", "ce"),
		rule("name", "string", "is_empty", nil),
		rule("name", "string", "is_not_empty", nil),
		rule("name", "string", "is_null", nil),
		rule("name", "string", "is_not_null", nil),
		rule("name", "string", "equal", nil),
		rule("name", "string", "not_equal", nil),
		rule("age", "integer", "equal", 20),
		rule("age", "integer", "not_equal", 20),
		rule("age", "integer", "less", 35),
		rule("age", "integer", "less_or_equal", 35),
		rule("age", "integer", "greater", 20),
		rule("age", "integer", "greater_or_equal", 35),
		rule("age", "integer", "between", []any{21, 41}),
		rule("age", "integer", "not_between", []any{21, 41}),
		rule("score", "double", "greater", 4.25),
		rule("score", "double", "less_or_equal", 7.5),
		rule("score", "double", "between", []any{0, 9}),
		rule("passed", "boolean", "equal", true),
		rule("passed", "boolean", "not_equal", true),
		rule("when", "datetime", "less", "2024-03-01T10:00:00Z"),
		rule("when", "datetime", "equal", "2024-03-01T10:00:00Z"),
		rule("when", "datetime", "between", []any{"2024-01-01T00:00:00Z", "2024-03-01T23:00:00Z"}),
		`{"condition": "OR", "not": true, "rules": [` + rule("age", "integer", "less", 30) + `,` + rule("passed", "boolean", "equal", false) + `]}`,
		`{"condition": "AND", "not": false, "rules": [` + rule("name", "string", "not_equal", "Bob") + `,` + rule("score", "double", "greater", 0) + `]}`,
	}

	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			f := formula.MustParse(src)

			var want []frame.Value
			for r := 0; r < data.NumRows(); r++ {
				ok, err := f.EvaluateBool(formula.Row(data.Row(r)))
				require.NoError(t, err)
				if ok {
					want = append(want, data.Cell(r, "email"))
				}
			}

			out, err := s.Select(ctx, "data", []frame.Column{{Name: "email", Type: frame.TypeString}}, f)
			require.NoError(t, err)
			got := out.Values("email")
			if len(want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestFormula_SQLMatchesEvaluator_LargeIntegers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	const big = int64(1) << 53
	data := frame.MustNew(
		frame.Column{Name: "sid", Type: frame.TypeInteger},
		frame.Column{Name: "email", Type: frame.TypeString},
	)
	require.NoError(t, data.Append(frame.Int(big), frame.String("a@x.org")))
	require.NoError(t, data.Append(frame.Int(big+1), frame.String("b@x.org")))
	require.NoError(t, s.StoreFrame(ctx, "data", data, nil))

	cases := []string{
		rule("sid", "integer", "equal", big),
		rule("sid", "integer", "not_equal", big),
		rule("sid", "integer", "greater", big),
		rule("sid", "integer", "less_or_equal", big),
		rule("sid", "integer", "between", []any{big + 1, big + 2}),
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			f := formula.MustParse(src)

			var want []frame.Value
			for r := 0; r < data.NumRows(); r++ {
				ok, err := f.EvaluateBool(formula.Row(data.Row(r)))
				require.NoError(t, err)
				if ok {
					want = append(want, data.Cell(r, "email"))
				}
			}
			require.Len(t, want, 1, "exactly one of the two keys matches")

			out, err := s.Select(ctx, "data", []frame.Column{{Name: "email", Type: frame.TypeString}}, f)
			require.NoError(t, err)
			assert.Equal(t, want, out.Values("email"))
		})
	}
}

func TestRowByKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))
	cols := []frame.Column{{Name: "email", Type: frame.TypeString}, {Name: "age", Type: frame.TypeInteger}}

	row, err := s.RowByKey(ctx, "data", cols, "email", frame.String("b@x.org"))
	require.NoError(t, err)
	assert.Equal(t, frame.Int(35), row["age"])

	_, err = s.RowByKey(ctx, "data", cols, "email", frame.String("zz@x.org"))
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = s.RowByKey(ctx, "data", cols, "age", frame.Int(20))
	assert.True(t, errs.Is(err, errs.AmbiguousKey))
}

func TestIncrementCell(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))
	require.NoError(t, s.AddColumn(ctx, "data", "reads", frame.TypeInteger, frame.Null{}))

	n, err := s.IncrementCell(ctx, "data", "email", frame.String("a@x.org"), "reads")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.IncrementCell(ctx, "data", "email", frame.String("a@x.org"), "reads")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.IncrementCell(ctx, "data", "email", frame.String("nobody@x.org"), "reads")
	assert.True(t, errs.Is(err, errs.NotFound))

	out, err := s.LoadFrame(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, frame.Int(2), out.Cell(0, "reads"))
	assert.Equal(t, frame.Null{}, out.Cell(1, "reads"))
}

func TestColumnDDL(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))

	require.NoError(t, s.RenameColumn(ctx, "data", "name", "full name"))
	require.NoError(t, s.DropColumn(ctx, "data", "score"))
	require.NoError(t, s.AddColumn(ctx, "data", "flag", frame.TypeBoolean, frame.Bool(true)))

	cols, err := s.ColumnTypes(ctx, "data")
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"email", "full name", "age", "passed", "when", "flag"}, names)

	out, err := s.LoadFrame(ctx, "data")
	require.NoError(t, err)
	for _, v := range out.Values("flag") {
		assert.Equal(t, frame.Bool(true), v)
	}
	assert.Equal(t, frame.String("Alice"), out.Cell(0, "full name"))

	err = s.AddColumn(ctx, "data", "bad", frame.TypeInteger, frame.String("x"))
	assert.True(t, errs.Is(err, errs.TypeMismatch))
}

func TestTableExistsAndDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ok, err := s.TableExists(ctx, "data")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))
	ok, err = s.TableExists(ctx, "data")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteTable(ctx, "data"))
	require.NoError(t, s.DeleteTable(ctx, "data"))
	_, err = s.ColumnTypes(ctx, "data")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestColumnHash(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	data := sampleFrame(t)
	require.NoError(t, s.StoreFrame(ctx, "data", data, nil))

	h, err := s.ColumnHash(ctx, "data", "email")
	require.NoError(t, err)
	assert.Equal(t, frame.TextHash(data.Values("email")), h)

	require.NoError(t, data.Set(0, "email", frame.String("changed@x.org")))
	require.NoError(t, s.StoreFrame(ctx, "data", data, nil))
	h2, err := s.ColumnHash(ctx, "data", "email")
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
}

func TestWithTx_RollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreFrame(ctx, "data", sampleFrame(t), nil))

	boom := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(tx *Ops) error {
		if err := tx.DeleteTable(ctx, "data"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := s.TableExists(ctx, "data")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkflowCRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	w, err := s.CreateWorkflow(ctx, "owner@x.org", "wf", "first")
	require.NoError(t, err)
	assert.Equal(t, TableName(w.ID), w.DataTable)
	assert.Equal(t, fixed, w.CreatedAt)
	assert.False(t, w.HasTable())

	_, err = s.CreateWorkflow(ctx, "owner@x.org", "wf", "again")
	assert.True(t, errs.Is(err, errs.Conflict))

	_, err = s.CreateWorkflow(ctx, "other@x.org", "wf", "")
	require.NoError(t, err)

	require.NoError(t, s.SetAttribute(ctx, w.ID, "course", "ABC101"))
	require.NoError(t, s.SetDimensions(ctx, w.ID, 5, 6, "hash"))
	require.NoError(t, s.Share(ctx, w.ID, "ta@x.org", "ta@x.org"))
	on, err := s.Star(ctx, w.ID, "owner@x.org")
	require.NoError(t, err)
	assert.True(t, on)

	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"course": "ABC101"}, got.Attributes)
	assert.Equal(t, 5, got.NRows)
	assert.Equal(t, "hash", got.LusersHash)
	assert.Equal(t, []string{"ta@x.org"}, got.Shared)
	assert.Equal(t, []string{"owner@x.org"}, got.Stars)
	assert.True(t, got.HasTable())

	list, err := s.ListWorkflows(ctx, "ta@x.org")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)

	on, err = s.Star(ctx, w.ID, "owner@x.org")
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, s.Unshare(ctx, w.ID, "ta@x.org"))
	list, err = s.ListWorkflows(ctx, "ta@x.org")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.StoreFrame(ctx, w.DataTable, sampleFrame(t), nil))
	require.NoError(t, s.DeleteWorkflow(ctx, w.ID))
	_, err = s.GetWorkflow(ctx, w.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
	ok, err := s.TableExists(ctx, w.DataTable)
	require.NoError(t, err)
	assert.False(t, ok)
}

func createTestWorkflow(t *testing.T, s *Store) *Workflow {
	t.Helper()
	ctx := context.Background()
	w, err := s.CreateWorkflow(ctx, "owner@x.org", "wf", "")
	require.NoError(t, err)
	for i, c := range sampleFrame(t).Columns() {
		col := &Column{WorkflowID: w.ID, Name: c.Name, Type: c.Type, Position: i + 1, IsKey: c.Name == "email"}
		require.NoError(t, s.InsertColumn(ctx, col))
	}
	return w
}

func TestColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	w := createTestWorkflow(t, s)

	cols, err := s.ListColumns(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, cols, 6)
	assert.Equal(t, "email", cols[0].Name)
	assert.True(t, cols[0].IsKey)

	err = s.InsertColumn(ctx, &Column{WorkflowID: w.ID, Name: "age", Type: frame.TypeInteger, Position: 7})
	assert.True(t, errs.Is(err, errs.DuplicateColumn))

	age, err := s.GetColumn(ctx, w.ID, "age")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	age.Categories = []frame.Value{frame.Int(20), frame.Int(35)}
	age.ActiveFrom = &from
	age.Description = "years"
	require.NoError(t, s.UpdateColumn(ctx, age))

	got, err := s.GetColumn(ctx, w.ID, "age")
	require.NoError(t, err)
	assert.Equal(t, []frame.Value{frame.Int(20), frame.Int(35)}, got.Categories)
	require.NotNil(t, got.ActiveFrom)
	assert.True(t, from.Equal(*got.ActiveFrom))
	assert.Nil(t, got.ActiveTo)
	assert.Equal(t, "years", got.Description)

	require.NoError(t, s.DeleteColumnMeta(ctx, got.ID))
	_, err = s.GetColumn(ctx, w.ID, "age")
	assert.True(t, errs.Is(err, errs.NotFound))

	require.NoError(t, s.DeleteColumnsOf(ctx, w.ID))
	cols, err = s.ListColumns(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestActionsAndRefs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	w := createTestWorkflow(t, s)

	a := &Action{
		WorkflowID: w.ID,
		Name:       "welcome",
		Content:    "Hi {{ name }}",
		Filter:     formula.MustParse(rule("age", "integer", "greater", 18)),
		Conditions: []Condition{
			{Name: "Passed", Formula: formula.MustParse(rule("passed", "boolean", "equal", true))},
			{Name: "Young", Formula: formula.MustParse(rule("age", "integer", "less", 30))},
		},
		Columns: []string{"name", "email"},
	}
	require.NoError(t, s.CreateAction(ctx, a))
	assert.Equal(t, ActionPersonalizedText, a.Type)

	got, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.Conditions, 2)
	assert.Equal(t, "Passed", got.Conditions[0].Name)
	assert.Equal(t, 2, got.Conditions[1].Position)
	assert.Equal(t, []string{"email", "name"}, got.Columns)
	assert.True(t, got.Filter.HasVariable("age"))

	refs, err := s.RefsTo(ctx, w.ID, "age")
	require.NoError(t, err)
	assert.Equal(t, []FormulaRef{
		{Kind: OwnerActionFilter, OwnerID: a.ID},
		{Kind: OwnerCondition, OwnerID: a.Conditions[1].ID},
	}, refs)

	// Rewriting through the ref keeps the index in step.
	ref := refs[1]
	f, err := s.LoadFormula(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, s.SaveFormula(ctx, w.ID, ref, f.RenameVariable("age", "score")))
	refs, err = s.RefsTo(ctx, w.ID, "score")
	require.NoError(t, err)
	assert.Equal(t, []FormulaRef{{Kind: OwnerCondition, OwnerID: a.Conditions[1].ID}}, refs)

	// Invalidated formulas are stored as 'null' and leave no refs.
	require.NoError(t, s.SaveFormula(ctx, w.ID, FormulaRef{Kind: OwnerActionFilter, OwnerID: a.ID}, formula.Invalidated()))
	got, err = s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Filter)
	assert.True(t, got.Filter.Invalid())
	refs, err = s.RefsTo(ctx, w.ID, "age")
	require.NoError(t, err)
	assert.Empty(t, refs)

	err = s.CreateAction(ctx, &Action{WorkflowID: w.ID, Name: "welcome"})
	assert.True(t, errs.Is(err, errs.Conflict))
	err = s.SetActionColumns(ctx, w.ID, a.ID, []string{"nope"})
	assert.True(t, errs.Is(err, errs.MissingField))

	c := &Condition{ActionID: a.ID, Name: "Third"}
	require.NoError(t, s.AddCondition(ctx, w.ID, c))
	assert.Equal(t, 3, c.Position)
	c.Formula = formula.MustParse(rule("name", "string", "is_empty", nil))
	require.NoError(t, s.UpdateCondition(ctx, w.ID, c))
	require.NoError(t, s.DeleteCondition(ctx, a.Conditions[0].ID))

	list, err := s.ListActions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Conditions, 2)
	assert.Equal(t, "Third", list[0].Conditions[1].Name)

	a.Name = "renamed"
	a.Type = ActionEmailReport
	require.NoError(t, s.UpdateAction(ctx, a))
	got, err = s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, ActionEmailReport, got.Type)

	require.NoError(t, s.DeleteAction(ctx, a.ID))
	_, err = s.GetAction(ctx, a.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
	refs, err = s.RefsTo(ctx, w.ID, "name")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestViews(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	w := createTestWorkflow(t, s)

	v := &View{
		WorkflowID: w.ID,
		Name:       "adults",
		Filter:     formula.MustParse(rule("age", "integer", "greater_or_equal", 18)),
		Columns:    []string{"name", "email"},
	}
	require.NoError(t, s.CreateView(ctx, v))

	got, err := s.GetViewByName(ctx, w.ID, "adults")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "email"}, got.Columns)

	refs, err := s.RefsTo(ctx, w.ID, "age")
	require.NoError(t, err)
	assert.Equal(t, []FormulaRef{{Kind: OwnerViewFilter, OwnerID: v.ID}}, refs)

	err = s.CreateView(ctx, &View{WorkflowID: w.ID, Name: "adults"})
	assert.True(t, errs.Is(err, errs.Conflict))

	v.Columns = []string{"nope"}
	err = s.UpdateView(ctx, v)
	assert.True(t, errs.Is(err, errs.MissingField))

	v.Columns = []string{"email"}
	v.Filter = nil
	require.NoError(t, s.UpdateView(ctx, v))
	list, err := s.ListViews(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Filter)
	assert.Equal(t, []string{"email"}, list[0].Columns)

	require.NoError(t, s.DeleteView(ctx, v.ID))
	_, err = s.GetView(ctx, v.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestTrackingLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	w := createTestWorkflow(t, s)

	var last int64
	for i := 1; i <= 3; i++ {
		e := &TrackingEntry{WorkflowID: w.ID, ActionID: 1, Recipient: "a@x.org", ColumnDst: "email", TrackingColumn: "reads", Counter: int64(i)}
		require.NoError(t, s.AppendTrackingLog(ctx, e))
		assert.Greater(t, e.Seq, last)
		last = e.Seq
	}

	log, err := s.TrackingLog(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, int64(3), log[2].Counter)

	empty, err := s.TrackingLog(ctx, w.ID+100)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestActionRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	w := createTestWorkflow(t, s)

	r := &ActionRun{ID: "run-1", WorkflowID: w.ID, ActionID: 7, TotalRows: 4}
	require.NoError(t, s.StartActionRun(ctx, r))
	assert.Equal(t, RunRunning, r.Status)

	r.ProcessedRows = 2
	r.LastRow = 1
	r.Errors = []RowError{{Row: 1, Message: "missing value"}}
	require.NoError(t, s.UpdateActionRun(ctx, r))

	got, err := s.GetActionRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, 1, got.LastRow)
	assert.Equal(t, []RowError{{Row: 1, Message: "missing value"}}, got.Errors)
	assert.Empty(t, got.Warnings)
	assert.Nil(t, got.FinishedAt)

	r.Status = RunCancelled
	r.Warnings = []string{"cancelled at row 2"}
	require.NoError(t, s.UpdateActionRun(ctx, r))
	got, err = s.GetActionRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, got.Status)
	assert.Equal(t, []string{"cancelled at row 2"}, got.Warnings)
	assert.NotNil(t, got.FinishedAt)

	_, err = s.GetActionRun(ctx, "nope")
	assert.True(t, errs.Is(err, errs.NotFound))
}

// rule renders one formula leaf in widget JSON.
func rule(field, typ, op string, value any) string {
	v := "null"
	switch val := value.(type) {
	case string:
		v = fmt.Sprintf("%q", val)
	case []any:
		v = "["
		for i, x := range val {
			if i > 0 {
				v += ","
			}
			if s, ok := x.(string); ok {
				v += fmt.Sprintf("%q", s)
			} else {
				v += fmt.Sprint(x)
			}
		}
		v += "]"
	case nil:
	default:
		v = fmt.Sprint(val)
	}
	return fmt.Sprintf(`{"id": %q, "field": %q, "type": %q, "operator": %q, "value": %s}`, field, field, typ, op, v)
}
