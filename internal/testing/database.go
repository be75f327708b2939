package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/sensorium/worldmodel/db"
)

// CreateJournalDB opens a migrated journal database in a temp directory.
// Automatically registers cleanup via t.Cleanup().
//
// A real file-backed database is used instead of :memory: because the
// journal relies on WAL mode, which in-memory SQLite does not support.
func CreateJournalDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test journal database: %v", err)
	}
	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("Failed to migrate test journal database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
