// Package db defines the ability to create a new database for the Crosstown
// node.
package db

import (
	"github.com/crosstown-labs/crosstown/db/iface"
	"github.com/crosstown-labs/crosstown/db/kv"
)

// Database defines the necessary methods for the Crosstown event store.
type Database = iface.Database

// ReadOnlyDatabase is the read access of the event store.
type ReadOnlyDatabase = iface.ReadOnlyDatabase

// NewDB initializes a new database in the data directory.
func NewDB(dirPath string) (Database, error) {
	return kv.NewKVStore(dirPath)
}
