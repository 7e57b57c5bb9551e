// Package filter implements subscription filter matching over signed
// events. Matching is pure: the store and the relay both call into it, the
// store when answering queries and the relay when fanning out live events.
package filter

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Matches reports whether the event satisfies every non-empty field of the
// filter. An empty filter matches every event. Hex prefixes in ids and
// authors match case-insensitively; a 64-char value is an exact match by
// construction.
func Matches(f nostr.Filter, ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !matchesPrefix(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !matchesPrefix(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, allowed := range f.Tags {
		if !matchesTag(ev, name, allowed) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether any filter in the set matches the event.
// Multiple filters on a subscription form an OR.
func MatchesAny(fs nostr.Filters, ev *nostr.Event) bool {
	for _, f := range fs {
		if Matches(f, ev) {
			return true
		}
	}
	return false
}

func matchesPrefix(prefixes []string, value string) bool {
	lower := strings.ToLower(value)
	for _, prefix := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// matchesTag reports whether the event carries at least one tag with the
// given single-char name whose value is in the allowed set. Tag filter
// names are always exactly one character; anything else matches nothing.
func matchesTag(ev *nostr.Event, name string, allowed []string) bool {
	if len(name) != 1 {
		return false
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, want := range allowed {
			if tag[1] == want {
				return true
			}
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
