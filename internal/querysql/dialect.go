package querysql

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ontask/dataengine/internal/frame"
)

// Dialect captures the differences between the supported relational
// backends. Everything else in the generated SQL is shared.
type Dialect interface {
	// Name is the database/sql driver name.
	Name() string

	// Placeholder returns the n-th (1-based) parameter hole for a value of
	// the given cell.
	Placeholder(n int, v frame.Value) string

	// Param converts a cell into a driver argument.
	Param(v frame.Value) any

	// OrderKey is the stable physical order key appended to every SELECT.
	OrderKey() string

	// Position returns an expression yielding the 1-based position of
	// needle in haystack, 0 when absent.
	Position(haystack, needle string) string
}

// SQLite is the dialect for github.com/mattn/go-sqlite3.
type SQLite struct{}

// DatetimeLayout is the fixed-width UTC text layout SQLite stores datetimes
// in. Lexical order equals time order.
const DatetimeLayout = "2006-01-02 15:04:05.000000+00:00"

func (SQLite) Name() string { return "sqlite3" }

func (SQLite) Placeholder(int, frame.Value) string { return "?" }

func (SQLite) Param(v frame.Value) any {
	if t, ok := v.(frame.Time); ok {
		return t.Time.UTC().Format(DatetimeLayout)
	}
	return frame.Native(v)
}

func (SQLite) OrderKey() string { return "rowid" }

func (SQLite) Position(haystack, needle string) string {
	return fmt.Sprintf("instr(%s, %s)", haystack, needle)
}

// Postgres is the dialect for github.com/jackc/pgx/v5/stdlib.
type Postgres struct{}

func (Postgres) Name() string { return "pgx" }

// Placeholder casts the hole so that comparisons between a bigint column
// and a double literal resolve numerically.
func (Postgres) Placeholder(n int, v frame.Value) string {
	ph := "$" + strconv.Itoa(n)
	switch v.(type) {
	case frame.String:
		return ph + "::text"
	case frame.Int:
		return ph + "::bigint"
	case frame.Double:
		return ph + "::double precision"
	case frame.Bool:
		return ph + "::boolean"
	case frame.Time:
		return ph + "::timestamptz"
	}
	return ph
}

func (Postgres) Param(v frame.Value) any {
	return frame.Native(v)
}

func (Postgres) OrderKey() string { return "ctid" }

func (Postgres) Position(haystack, needle string) string {
	return fmt.Sprintf("strpos(%s, %s)", haystack, needle)
}

// DialectFor returns the dialect registered for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	case "pgx", "postgres", "postgresql":
		return Postgres{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// ColumnType returns the SQL type declared for a data type. Both dialects
// share the names; SQLite keeps them verbatim as the declared type.
func ColumnType(t frame.DataType) string {
	switch t {
	case frame.TypeInteger:
		return "BIGINT"
	case frame.TypeDouble:
		return "DOUBLE PRECISION"
	case frame.TypeBoolean:
		return "BOOLEAN"
	case frame.TypeDateTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// DataTypeOf maps a declared or catalog SQL type back to a data type.
func DataTypeOf(sqlType string) (frame.DataType, bool) {
	switch strings.ToUpper(strings.TrimSpace(sqlType)) {
	case "TEXT", "VARCHAR", "CHARACTER VARYING", "":
		return frame.TypeString, true
	case "BIGINT", "INTEGER", "INT", "INT8", "INT4", "SMALLINT":
		return frame.TypeInteger, true
	case "DOUBLE PRECISION", "DOUBLE", "REAL", "FLOAT", "FLOAT8", "NUMERIC":
		return frame.TypeDouble, true
	case "BOOLEAN", "BOOL":
		return frame.TypeBoolean, true
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIMESTAMP", "DATETIME":
		return frame.TypeDateTime, true
	}
	return "", false
}

// FromDriver converts a value scanned from the driver into a cell of the
// column's type.
func FromDriver(raw any, t frame.DataType) (frame.Value, error) {
	var v frame.Value
	switch val := raw.(type) {
	case nil:
		return frame.Null{}, nil
	case string:
		v = frame.String(val)
	case []byte:
		v = frame.String(string(val))
	case int64:
		v = frame.Int(val)
	case int32:
		v = frame.Int(int64(val))
	case int:
		v = frame.Int(int64(val))
	case float64:
		v = frame.Double(val)
	case float32:
		v = frame.Double(float64(val))
	case bool:
		v = frame.Bool(val)
	case time.Time:
		v = frame.NewTime(val)
	default:
		return nil, fmt.Errorf("unsupported driver value of type %T", raw)
	}
	return frame.Coerce(v, t)
}
