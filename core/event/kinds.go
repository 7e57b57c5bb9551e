// Package event defines the signed-event helpers shared by the store, the
// packet handler and the relay: kind classification, verification and the
// compact wire codec.
package event

import (
	"github.com/nbd-wtf/go-nostr"
)

// Event kinds with a defined meaning on the Crosstown fabric.
const (
	KindProfileMetadata   = 0
	KindTextNote          = 1
	KindFollowList        = 3
	KindDeletionRequest   = 5
	KindPeerInfo          = 10032
	KindHandshakeRequest  = 23194
	KindHandshakeResponse = 23195
)

// Kind class ranges per NIP-01.
const (
	replaceableRangeStart = 10000
	replaceableRangeEnd   = 19999
	ephemeralRangeStart   = 20000
	ephemeralRangeEnd     = 29999
	addressableRangeStart = 30000
	addressableRangeEnd   = 39999
)

// IsReplaceable reports whether at most one event per (pubkey, kind) is
// retained for this kind.
func IsReplaceable(kind int) bool {
	return kind == KindProfileMetadata || kind == KindFollowList ||
		(kind >= replaceableRangeStart && kind <= replaceableRangeEnd)
}

// IsEphemeral reports whether events of this kind are acknowledged but
// never persisted.
func IsEphemeral(kind int) bool {
	return kind >= ephemeralRangeStart && kind <= ephemeralRangeEnd
}

// IsAddressable reports whether events of this kind are unique per
// (pubkey, kind, d-tag value).
func IsAddressable(kind int) bool {
	return kind >= addressableRangeStart && kind <= addressableRangeEnd
}

// DTagValue returns the second element of the first "d" tag, or the empty
// string when the event carries none.
func DTagValue(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// TaggedEventIDs returns the values of every "e" tag on the event. Deletion
// requests use these to name their targets.
func TaggedEventIDs(ev *nostr.Event) []string {
	var ids []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}
