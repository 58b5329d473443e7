package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := New(AmbiguousKey, "more than one row matches").WithTable("T1").WithColumn("sid")
	assert.Equal(t, "AMBIGUOUS_KEY: more than one row matches (table=T1, column=sid)", err.Error())
}

func TestError_DetailsSorted(t *testing.T) {
	err := &Error{Kind: NotFound, Message: "row", Details: map[string]string{"b": "2", "a": "1"}}
	assert.Equal(t, "NOT_FOUND: row (a=1, b=2)", err.Error())
}

func TestIs_UnwrapsChains(t *testing.T) {
	base := New(EmptyMergeResult, "inner merge produced no rows")
	wrapped := fmt.Errorf("merge workflow 3: %w", base)

	assert.True(t, Is(wrapped, EmptyMergeResult))
	assert.False(t, Is(wrapped, NotFound))
	assert.False(t, Is(nil, NotFound))
	assert.Equal(t, EmptyMergeResult, KindOf(wrapped))
}

func TestStorage(t *testing.T) {
	assert.Nil(t, Storage("T", nil, "select"))

	cause := errors.New("disk I/O error")
	err := Storage("__ONTASK_WORKFLOW_TABLE_1", cause, "select rows")
	assert.True(t, Is(err, StorageError))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "__ONTASK_WORKFLOW_TABLE_1")

	// Errors that already carry a kind pass through untouched.
	nf := New(NotFound, "no row")
	assert.True(t, Is(Storage("T", nf, "select"), NotFound))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(EmptyMergeResult))
	assert.True(t, Known(Cancelled))
	assert.False(t, Known("EMPTY"))
	assert.False(t, Known(""))
}
