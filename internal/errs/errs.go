// Package errs defines the structured error type shared by every engine
// component.
//
// An Error carries a Kind that the web layer maps to an HTTP status and the
// CLI maps to an exit code. Callers test for a kind with Is, which unwraps
// through fmt.Errorf("...: %w") chains.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes engine errors.
type Kind string

const (
	// InvalidName indicates a column or template name with disallowed
	// characters, or a user name that shadows a reserved template slot.
	InvalidName Kind = "INVALID_NAME"

	// DuplicateColumn indicates a column name already present in the workflow.
	DuplicateColumn Kind = "DUPLICATE_COLUMN"

	// MissingField indicates a formula or descriptor references an absent column.
	MissingField Kind = "MISSING_FIELD"

	// AmbiguousKey indicates a key lookup matched more than one row, or a
	// column expected to be a key holds duplicate or null values.
	AmbiguousKey Kind = "AMBIGUOUS_KEY"

	// NotFound indicates the requested entity or row does not exist.
	NotFound Kind = "NOT_FOUND"

	// TypeMismatch indicates a literal cannot be coerced to its declared type.
	TypeMismatch Kind = "TYPE_MISMATCH"

	// CategoryViolation indicates a value outside the declared category list.
	CategoryViolation Kind = "CATEGORY_VIOLATION"

	// EmptyMergeResult indicates a merge produced no rows.
	EmptyMergeResult Kind = "EMPTY_MERGE_RESULT"

	// BadSignature indicates a tracking token failed verification.
	BadSignature Kind = "BAD_SIGNATURE"

	// StorageError wraps a failure of the relational store.
	StorageError Kind = "STORAGE_ERROR"

	// Conflict indicates the operation is not allowed in the current state
	// (e.g. uploading a table into a workflow that already has one).
	Conflict Kind = "CONFLICT"

	// InvalidValue indicates an argument outside its allowed range, such as
	// an active window ending before it starts.
	InvalidValue Kind = "INVALID_VALUE"

	// Cancelled indicates a scheduled operation observed its cancellation flag.
	Cancelled Kind = "CANCELLED"
)

var kinds = []Kind{
	InvalidName, DuplicateColumn, MissingField, AmbiguousKey, NotFound, TypeMismatch,
	CategoryViolation, EmptyMergeResult, BadSignature, StorageError, Conflict,
	InvalidValue, Cancelled,
}

// Known reports whether k is one of the declared kinds.
func Known(k Kind) bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Error is the structured error returned by engine operations.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Table names the affected data table, if any.
	Table string

	// Column names the affected column, if any.
	Column string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Table != "" {
		ctx = append(ctx, "table="+e.Table)
	}
	if e.Column != "" {
		ctx = append(ctx, "column="+e.Column)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ctx = append(ctx, k+"="+e.Details[k])
		}
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithColumn sets the column context and returns the receiver.
func (e *Error) WithColumn(column string) *Error {
	e.Column = column
	return e
}

// WithTable sets the table context and returns the receiver.
func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

// Storage wraps a database failure with the offending table name.
// Returns nil if err is nil. Errors that already carry a Kind are
// returned unchanged so that NotFound and friends survive the store layer.
func Storage(table string, err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: StorageError, Message: op, Table: table, Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's chain contains an Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
