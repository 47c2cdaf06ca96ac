// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/store"
)

// New returns a migrated store backed by a file in t.TempDir()
func New(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Batch inserts a batch row and commits it
func Batch(t testing.TB, st *store.Store, typ domain.BatchType, number int, status domain.BatchStatus) *domain.BatchJob {
	t.Helper()
	s := st.NewSession()
	b := &domain.BatchJob{Type: typ, BatchNumber: number, Status: status}
	require.NoError(t, s.InsertBatchJob(context.Background(), b))
	require.NoError(t, s.Commit())
	return b
}

// Count runs a COUNT query in its own session
func Count(t testing.TB, st *store.Store, query string, args ...any) int {
	t.Helper()
	s := st.NewSession()
	defer s.Close()
	var n int
	require.NoError(t, s.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
