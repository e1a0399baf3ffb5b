// Package testutil provides shared test scaffolding for repository- and
// server-level tests: a migrated, file-backed sqlite database per test and
// a ready-made set of repositories wired against it.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bundlenudge.sh/internal/database"
)

// NewTestDB opens a fresh sqlite3 database in a per-test temp directory and
// runs every migration against it, mirroring the driver/migration path
// database.New takes in production (internal/server/server.go's New).
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	dir := t.TempDir()
	dsn := filepath.Join(dir, "test.db")

	cfg := database.DefaultConfig("sqlite3")
	cfg.DSN = fmt.Sprintf("file:%s?_foreign_keys=on", dsn)

	db, err := database.New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}
