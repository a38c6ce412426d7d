// Package testutil provides shared fixtures: an in-memory stats database, a
// scratch git repository, and an issue-tree builder following the canonical
// directory layout.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/infrastructure/sqlite"
)

// NewStatsDB opens a fully migrated in-memory stats database, closed when
// the test ends.
func NewStatsDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewStatsRepository opens an in-memory stats database and wraps it in a
// repository.
func NewStatsRepository(t *testing.T) *sqlite.StatsRepository {
	t.Helper()
	return sqlite.NewStatsRepository(NewStatsDB(t))
}
