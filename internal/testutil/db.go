// Package testutil provides shared helpers for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/desh0cc/psychopass/internal/database"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// OpenTestDB opens a migrated SQLite database in a temp directory. The
// handle is closed when the test ends.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.OpenPath(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}
