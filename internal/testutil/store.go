package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ontask/dataengine/internal/store"
)

// OpenStore opens a SQLite store in a fresh temporary directory and closes
// it when the test ends. A non-nil clock drives the store timestamps.
func OpenStore(t testing.TB, clock *Clock) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ontask.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if clock != nil {
		s.SetClock(clock.Now)
	}
	return s
}
