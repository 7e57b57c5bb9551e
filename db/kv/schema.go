package kv

// The schema will define how to store and retrieve data from the db. We
// store the raw compact-encoded event under its 32-byte id, then maintain
// index buckets so queries and the replaceable-event rule never scan the
// whole log.
var (
	eventsBucket = []byte("events")

	// Indices buckets.
	createdAtIndexBucket  = []byte("created-at-index")
	pubkeyIndexBucket     = []byte("pubkey-index")
	kindIndexBucket       = []byte("kind-index")
	pubkeyKindIndexBucket = []byte("pubkey-kind-index")
	// Addressable kinds are unique per (pubkey, kind, d-tag value).
	pubkeyKindDIndexBucket = []byte("pubkey-kind-d-index")

	migrationsBucket = []byte("migrations")
)
