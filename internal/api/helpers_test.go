package api

import (
	"path/filepath"
	"testing"

	"github.com/banshee-data/power.report/internal/db"
)

// openTestDB returns a freshly migrated database that is closed when the
// test ends.
func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "power.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
