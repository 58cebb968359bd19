// Package dbtest opens throwaway databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
)

// Open returns a database with the full schema in a temp dir. It is closed
// when the test ends.
func Open(tb testing.TB) *db.DB {
	tb.Helper()
	database, err := db.Open(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("Open() failed: %v", err)
	}
	tb.Cleanup(func() { _ = database.Close() })

	if err := database.InitSchema(); err != nil {
		tb.Fatalf("InitSchema() failed: %v", err)
	}
	return database
}
