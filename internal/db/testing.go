// Test helpers for packages that need database access. In-memory databases
// keep the suites fast, and t.Cleanup handles teardown.
package db

import (
	"testing"
)

// NewTestStore creates an in-memory store with migrations applied.
// The database is automatically closed when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    store := db.NewTestStore(t)
//	    // use store...
//	}
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}

	if err := database.Migrate("core"); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	t.Cleanup(func() {
		_ = database.Close()
	})

	return NewStore(database)
}
