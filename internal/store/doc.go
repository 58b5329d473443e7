// Package store provides durable storage for workflow metadata and the
// per-workflow data tables, on SQLite (default) or PostgreSQL.
//
// The store holds two kinds of tables:
//   - Metadata: workflows, columns, actions, conditions, views, the
//     formula_refs side index, tracking_log and action_runs (schema.sql,
//     schema_postgres.sql)
//   - Data tables: one per workflow, named __ONTASK_WORKFLOW_TABLE_<id>,
//     one SQL column per logical column
//
// # Critical Patterns
//
// Deterministic reads
//   - Every data table SELECT orders by the dialect's stable key (SQLite
//     rowid, Postgres ctid), so rows come back in physical order
//   - Metadata lists order by position or id
//
// No interpolation
//   - Identifiers go through querysql.QuoteIdent; values go through
//     placeholders. Metadata queries are written with "?" and rebound for
//     Postgres
//
// Atomic rewrites
//   - Ops is bound either to the database or to a transaction (WithTx).
//     Table replacement, column registry edits and tracking hits run inside
//     WithTx so they are fully applied or not at all
//
// Type map
//   - string→TEXT, integer→BIGINT, double→DOUBLE PRECISION,
//     boolean→BOOLEAN, datetime→TIMESTAMPTZ. SQLite keeps the declared names
//     and stores datetimes as fixed-width UTC text
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
