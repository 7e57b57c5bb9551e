// Package feed contains the typed notifications passed between Crosstown
// services over event feeds: store post-commit events consumed by the relay
// fan-out, and bootstrap phase transitions consumed by operators.
package feed

import (
	"github.com/crosstown-labs/crosstown/core/event"
)

// Store feed event types.
const (
	// EventStored is sent after an event has been durably written,
	// including any replaceable-event replacement in the same transaction.
	EventStored = iota + 1
	// EventDeleted is sent after an event has been removed by a deletion
	// request or replaceable replacement.
	EventDeleted
)

// Event is a store feed notification.
type Event struct {
	Type int
	Data interface{}
}

// StoredData is the data sent with EventStored notifications.
type StoredData struct {
	// Event is the stored record, immutable once published.
	Event *event.Stored
	// ReplacedIDs are the ids removed by the replaceable-event rule in the
	// same transaction.
	ReplacedIDs []string
}

// DeletedData is the data sent with EventDeleted notifications.
type DeletedData struct {
	ID        string
	Requester string
}
