// Package iface exists to avoid a circular dependency between the database
// implementation and its consumers.
package iface

import (
	"context"
	"io"

	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/nbd-wtf/go-nostr"

	"github.com/crosstown-labs/crosstown/core/event"
)

// PutResult reports what SaveEvent did: whether the event was persisted and
// which older ids the replaceable-event rule removed in the same
// transaction.
type PutResult struct {
	Stored      bool
	ReplacedIDs []string
}

// ReadOnlyDatabase defines the read access of the event store.
type ReadOnlyDatabase interface {
	Event(ctx context.Context, id string) (*event.Stored, error)
	HasEvent(ctx context.Context, id string) (bool, error)
	QueryEvents(ctx context.Context, filters nostr.Filters) ([]*event.Stored, error)
}

// Database defines the full access of the event store.
type Database interface {
	ReadOnlyDatabase
	io.Closer

	SaveEvent(ctx context.Context, ev *nostr.Event) (*PutResult, error)
	DeleteEvent(ctx context.Context, id, requesterPubkey string) (bool, error)
	ApplyDeletionRequest(ctx context.Context, ev *nostr.Event) ([]string, error)

	// StoredFeed is the post-commit notification feed the relay subscribes
	// to for live fan-out.
	StoredFeed() *gethevent.Feed

	DatabasePath() string
	ClearDB() error
	Backup(ctx context.Context, outputDir string) error
}
