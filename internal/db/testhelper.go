package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

// OpenTestSQLite returns the pools of a fresh migrated archive under
// t.TempDir(), closed at test cleanup.
func OpenTestSQLite(t *testing.T) (writeDB, readDB *sql.DB) {
	t.Helper()

	a, err := OpenArchive(context.Background(), filepath.Join(t.TempDir(), "archive.sqlite"), Options{})
	if err != nil {
		t.Fatalf("open test archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a.WriteDB, a.ReadDB
}
