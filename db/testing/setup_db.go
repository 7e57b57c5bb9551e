// Package testing allows for spinning up a real event store for use in
// tests.
package testing

import (
	"testing"

	"github.com/crosstown-labs/crosstown/db"
	"github.com/crosstown-labs/crosstown/db/kv"
)

// SetupDB instantiates and returns a store backed by a temporary directory
// that is cleaned up with the test.
func SetupDB(t testing.TB) db.Database {
	store, err := kv.NewKVStore(t.TempDir())
	if err != nil {
		t.Fatalf("could not open event store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("could not close event store: %v", err)
		}
	})
	return store
}
