package kv

import (
	"bytes"
	"context"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	bolt "go.etcd.io/bbolt"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/filter"
)

// QueryEvents returns the stored events matching any of the filters,
// ordered by created_at descending then id ascending. Each filter's limit
// is applied independently before results are de-duplicated across filters.
func (s *Store) QueryEvents(ctx context.Context, filters nostr.Filters) ([]*event.Stored, error) {
	seen := make(map[string]*event.Stored)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, f := range filters {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			matched, err := s.queryFilterTx(tx, f)
			if err != nil {
				return err
			}
			for _, stored := range matched {
				seen[stored.Event.ID] = stored
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*event.Stored, 0, len(seen))
	for _, stored := range seen {
		out = append(out, stored)
	}
	sortStored(out)
	return out, nil
}

// queryFilterTx evaluates a single filter inside a read transaction.
// Exact 64-char ids are fetched directly; everything else walks the
// created_at index in reverse so the limit cuts off at the newest events.
func (s *Store) queryFilterTx(tx *bolt.Tx, f nostr.Filter) ([]*event.Stored, error) {
	if f.LimitZero {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // unlimited
	}

	if ids, exact := exactIDs(f); exact {
		return s.queryByIDsTx(tx, f, ids, limit)
	}

	events := tx.Bucket(eventsBucket)
	c := tx.Bucket(createdAtIndexBucket).Cursor()

	var k, id []byte
	if f.Until != nil {
		// Position after the until bound, then step back onto it.
		k, id = c.Seek(createdAtKey(*f.Until + 1))
		if k == nil {
			k, id = c.Last()
		} else {
			k, id = c.Prev()
		}
	} else {
		k, id = c.Last()
	}

	var sinceKey []byte
	if f.Since != nil {
		sinceKey = createdAtKey(*f.Since)
	}

	// Reverse iteration yields ids descending inside a created_at tie, so
	// when the limit lands on a tie the whole tie group is collected and
	// the cut happens after sorting, keeping the ascending ids.
	var out []*event.Stored
	var tieKey []byte
	for ; k != nil; k, id = c.Prev() {
		if sinceKey != nil && bytes.Compare(k[:8], sinceKey) < 0 {
			break
		}
		if limit > 0 && len(out) >= limit && !bytes.Equal(k[:8], tieKey) {
			break
		}
		stored, err := decodeStored(events.Get(id))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(f, stored.Event) {
			continue
		}
		out = append(out, stored)
		tieKey = append(tieKey[:0], k[:8]...)
	}
	sortStored(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) queryByIDsTx(tx *bolt.Tx, f nostr.Filter, ids []string, limit int) ([]*event.Stored, error) {
	events := tx.Bucket(eventsBucket)
	var out []*event.Stored
	for _, id := range ids {
		key, err := idKey(id)
		if err != nil {
			continue
		}
		value := events.Get(key)
		if value == nil {
			continue
		}
		stored, err := decodeStored(value)
		if err != nil {
			return nil, err
		}
		if filter.Matches(f, stored.Event) {
			out = append(out, stored)
		}
	}
	sortStored(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// exactIDs reports whether every id in the filter is a full 64-char id,
// allowing direct lookups instead of an index walk.
func exactIDs(f nostr.Filter) ([]string, bool) {
	if len(f.IDs) == 0 {
		return nil, false
	}
	for _, id := range f.IDs {
		if len(id) != 64 {
			return nil, false
		}
	}
	return f.IDs, true
}

func sortStored(out []*event.Stored) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event.CreatedAt != out[j].Event.CreatedAt {
			return out[i].Event.CreatedAt > out[j].Event.CreatedAt
		}
		return out[i].Event.ID < out[j].Event.ID
	})
}
