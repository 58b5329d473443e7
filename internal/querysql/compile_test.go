package querysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"sid"`, QuoteIdent("sid"))
	assert.Equal(t, `"a ""b"" c"`, QuoteIdent(`a "b" c`))
	assert.Equal(t, `"x'; DROP TABLE t; --"`, QuoteIdent(`x'; DROP TABLE t; --`))
}

func TestCompileFormula_Rules(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		sql     string
		args    []any
	}{
		{
			name:    "equal guards null",
			formula: `{"field": "sid", "type": "integer", "operator": "equal", "value": 3}`,
			sql:     `("sid" IS NOT NULL AND "sid" = ?)`,
			args:    []any{int64(3)},
		},
		{
			name:    "not equal is true on null",
			formula: `{"field": "name", "type": "string", "operator": "not_equal", "value": "x"}`,
			sql:     `("name" IS NULL OR NOT ("name" = ?))`,
			args:    []any{"x"},
		},
		{
			name:    "between",
			formula: `{"field": "age", "type": "double", "operator": "between", "value": [1, 2.5]}`,
			sql:     `("age" IS NOT NULL AND "age" >= ? AND "age" <= ?)`,
			args:    []any{float64(1), 2.5},
		},
		{
			name:    "contains",
			formula: `{"field": "name", "type": "string", "operator": "contains", "value": "o C"}`,
			sql:     `("name" IS NOT NULL AND instr("name", ?) > 0)`,
			args:    []any{"o C"},
		},
		{
			name:    "ends with",
			formula: `{"field": "name", "type": "string", "operator": "not_ends_with", "value": "on"}`,
			sql:     `("name" IS NULL OR NOT (substr("name", length("name") - length(?) + 1) = ?))`,
			args:    []any{"on", "on"},
		},
		{
			name:    "is empty",
			formula: `{"field": "name", "type": "string", "operator": "is_empty", "value": null}`,
			sql:     `("name" IS NULL OR "name" = '')`,
			args:    []any{},
		},
		{
			name:    "datetime uses fixed width text",
			formula: `{"field": "when", "type": "datetime", "operator": "less", "value": "2024-03-01T10:00:00Z"}`,
			sql:     `("when" IS NOT NULL AND "when" < ?)`,
			args:    []any{"2024-03-01 10:00:00.000000+00:00"},
		},
		{
			name:    "null literal",
			formula: `{"field": "name", "type": "string", "operator": "equal", "value": null}`,
			sql:     `(1 = 0)`,
			args:    []any{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sql, args, err := CompileFormula(SQLite{}, formula.MustParse(tc.formula))
			require.NoError(t, err)
			assert.Equal(t, tc.sql, sql)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestCompileFormula_Groups(t *testing.T) {
	f := formula.MustParse(`{"condition": "OR", "not": true, "rules": [
		{"field": "a", "type": "integer", "operator": "greater", "value": 6},
		{"condition": "AND", "rules": [
			{"field": "b", "type": "boolean", "operator": "equal", "value": true},
			{"field": "c", "type": "string", "operator": "is_not_null", "value": null}
		]}
	]}`)
	sql, args, err := CompileFormula(SQLite{}, f)
	require.NoError(t, err)
	assert.Equal(t,
		`(NOT (("a" IS NOT NULL AND "a" > ?) OR (("b" IS NOT NULL AND "b" = ?) AND ("c" IS NOT NULL))))`,
		sql)
	assert.Equal(t, []any{int64(6), true}, args)

	sql, _, err = CompileFormula(SQLite{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", sql)

	sql, _, err = CompileFormula(SQLite{}, formula.Invalidated())
	require.NoError(t, err)
	assert.Equal(t, "1 = 0", sql)
}

func TestCompileFormula_PostgresPlaceholders(t *testing.T) {
	f := formula.MustParse(`{"condition": "AND", "rules": [
		{"field": "age", "type": "double", "operator": "less", "value": 7.5},
		{"field": "name", "type": "string", "operator": "contains", "value": "x"},
		{"field": "when", "type": "datetime", "operator": "greater", "value": "2024-01-01"}
	]}`)
	sql, args, err := CompileFormula(Postgres{}, f)
	require.NoError(t, err)
	assert.Equal(t,
		`(("age" IS NOT NULL AND "age" < $1::double precision) AND ("name" IS NOT NULL AND strpos("name", $2::text) > 0) AND ("when" IS NOT NULL AND "when" > $3::timestamptz))`,
		sql)
	require.Len(t, args, 3)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), args[2])
}

func TestBuilder_AllFalse(t *testing.T) {
	b := NewBuilder(Postgres{})
	where, err := b.Formula(formula.MustParse(`{"field": "x", "type": "integer", "operator": "equal", "value": 1}`))
	require.NoError(t, err)

	excl, ok, err := b.AllFalse([]*formula.Formula{
		formula.MustParse(`{"field": "y", "type": "integer", "operator": "less", "value": 2}`),
		formula.Invalidated(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `("x" IS NOT NULL AND "x" = $1::bigint)`, where)
	assert.Equal(t, `NOT (("y" IS NOT NULL AND "y" < $2::bigint)) AND NOT (1 = 0)`, excl)
	assert.Len(t, b.Args(), 2)

	_, ok, err = b.AllFalse(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompileFormula_BadLiteral(t *testing.T) {
	_, _, err := CompileFormula(SQLite{}, formula.MustParse(`{"field": "n", "type": "integer", "operator": "equal", "value": "seven"}`))
	require.Error(t, err)
}

func TestSelectAndCount(t *testing.T) {
	assert.Equal(t,
		`SELECT "sid", "e mail" FROM "T" WHERE 1 = 1 ORDER BY rowid`,
		Select(SQLite{}, "T", []string{"sid", "e mail"}, "1 = 1"))
	assert.Equal(t, `SELECT * FROM "T" ORDER BY ctid`, Select(Postgres{}, "T", nil, ""))
	assert.Equal(t, `SELECT COUNT(*) FROM "T"`, Count("T", ""))
}

func TestFromDriver(t *testing.T) {
	v, err := FromDriver(int64(1), frame.TypeBoolean)
	require.NoError(t, err)
	assert.Equal(t, frame.Bool(true), v)

	v, err = FromDriver("2024-03-01 10:00:00.000000+00:00", frame.TypeDateTime)
	require.NoError(t, err)
	assert.Equal(t, frame.NewTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), v)

	v, err = FromDriver(nil, frame.TypeInteger)
	require.NoError(t, err)
	assert.True(t, frame.IsNull(v))

	v, err = FromDriver([]byte("abc"), frame.TypeString)
	require.NoError(t, err)
	assert.Equal(t, frame.String("abc"), v)

	dt, ok := DataTypeOf("timestamp with time zone")
	require.True(t, ok)
	assert.Equal(t, frame.TypeDateTime, dt)
	assert.Equal(t, "DOUBLE PRECISION", ColumnType(frame.TypeDouble))
}
