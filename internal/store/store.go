package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/querysql"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Schema version tracking (SQLite user_version):
// 0 - Empty database
// 1 - Initial metadata schema
// 2 - Added warnings column on action_runs
const currentSchemaVersion = 2

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ops carries every store operation. It is bound either to the database
// (Store) or to a transaction (inside WithTx); the operations are identical.
type Ops struct {
	q   querier
	d   querysql.Dialect
	now func() time.Time
}

// Store provides durable storage for workflow metadata and data tables.
// SQLite uses WAL mode and a single connection; Postgres uses the pgx
// database/sql driver.
type Store struct {
	Ops
	db *sql.DB
}

// Open connects to the database named by driver ("sqlite3" or "pgx") and
// dsn, and applies the metadata schema.
//
// For SQLite the database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := querysql.DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.Name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schema := schemaPostgres
	if _, ok := d.(querysql.SQLite); ok {
		// SQLite only supports one writer at a time, so limit connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
		schema = schemaSQLite
	}

	if err := applySchema(ctx, db, d, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{Ops: Ops{q: db, d: d, now: time.Now}, db: db}, nil
}

// OpenSQLite opens a SQLite database file at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	return Open(ctx, "sqlite3", path)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the wall clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Dialect returns the SQL dialect of the store.
func (o *Ops) Dialect() querysql.Dialect {
	return o.d
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, so every mutation made through
// the passed Ops is either fully applied or not at all.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Ops) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("", err, "begin transaction")
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Ops{q: tx, d: s.d, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("", err, "commit transaction")
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB, d querysql.Dialect, schema string) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, ok := d.(querysql.SQLite); !ok {
		return nil
	}
	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version == 1 {
		if err := migrateToV2(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds action_runs.warnings to databases created at v1.
// New databases get the column from schema.sql.
func migrateToV2(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('action_runs') WHERE name = 'warnings'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx,
		`ALTER TABLE action_runs ADD COLUMN warnings TEXT NOT NULL DEFAULT '[]'`); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// rebind rewrites "?" placeholders into the dialect's positional form.
// Question marks inside quoted identifiers or string literals are kept.
func (o *Ops) rebind(query string) string {
	if _, ok := o.d.(querysql.Postgres); !ok {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote rune
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (o *Ops) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return o.q.ExecContext(ctx, o.rebind(query), args...)
}

func (o *Ops) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return o.q.QueryContext(ctx, o.rebind(query), args...)
}

func (o *Ops) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return o.q.QueryRowContext(ctx, o.rebind(query), args...)
}

// timestamp formats a metadata timestamp.
func (o *Ops) timestamp() string {
	return o.now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
