package kv

import (
	"bytes"
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	bolt "go.etcd.io/bbolt"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/feed"
	"github.com/crosstown-labs/crosstown/db/iface"
)

// SaveEvent persists a signed event, applying the replaceable-event rule
// atomically in the same transaction. It rejects events failing hash or
// signature verification, acknowledges duplicates without storing, and
// acknowledges ephemeral kinds without persisting them. Ephemeral events
// still go out on the stored feed so live subscriptions see them.
func (s *Store) SaveEvent(ctx context.Context, ev *nostr.Event) (*iface.PutResult, error) {
	if err := event.Verify(ev); err != nil {
		return nil, err
	}
	receivedAt := time.Now().Unix()
	stored := &event.Stored{Event: ev, ReceivedAt: receivedAt}

	if event.IsEphemeral(ev.Kind) {
		s.storedFeed.Send(&feed.Event{
			Type: feed.EventStored,
			Data: &feed.StoredData{Event: stored},
		})
		return &iface.PutResult{Stored: false}, nil
	}

	id, err := idKey(ev.ID)
	if err != nil {
		return nil, err
	}
	pubkey, err := pubkeyKey(ev.PubKey)
	if err != nil {
		return nil, err
	}
	value, err := encodeStored(ev, receivedAt)
	if err != nil {
		return nil, err
	}

	result := &iface.PutResult{}
	err = s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		if events.Get(id) != nil {
			// Duplicate id, idempotent.
			return nil
		}

		// Replaceable and addressable kinds keep a unique-holder pointer;
		// the replacement delete happens in this same transaction so a
		// concurrent query never sees both.
		if event.IsReplaceable(ev.Kind) || event.IsAddressable(ev.Kind) {
			pointerKey := pubkeyKindKey(pubkey, ev.Kind)
			bucket := pubkeyKindIndexBucket
			if event.IsAddressable(ev.Kind) {
				pointerKey = pubkeyKindDKey(pubkey, ev.Kind, event.DTagValue(ev))
				bucket = pubkeyKindDIndexBucket
			}
			pointer := tx.Bucket(bucket)
			if current := pointer.Get(pointerKey); current != nil {
				existing, err := decodeStored(events.Get(current))
				if err != nil {
					return err
				}
				if existing.Event.CreatedAt >= ev.CreatedAt {
					// Incoming event is older than the retained one.
					return nil
				}
				if err := s.deleteEventTx(tx, current, existing.Event); err != nil {
					return err
				}
				result.ReplacedIDs = append(result.ReplacedIDs, existing.Event.ID)
			}
			if err := pointer.Put(pointerKey, id); err != nil {
				return err
			}
		}

		if err := events.Put(id, value); err != nil {
			return err
		}
		if err := tx.Bucket(createdAtIndexBucket).Put(createdAtIndexKey(ev.CreatedAt, id), id); err != nil {
			return err
		}
		if err := tx.Bucket(pubkeyIndexBucket).Put(appendKey(pubkey, id), id); err != nil {
			return err
		}
		if err := tx.Bucket(kindIndexBucket).Put(appendKey(kindKey(ev.Kind), id), id); err != nil {
			return err
		}
		result.Stored = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Stored {
		eventsStoredTotal.Inc()
		if n := len(result.ReplacedIDs); n > 0 {
			eventsReplacedTotal.Add(float64(n))
		}
		s.storedFeed.Send(&feed.Event{
			Type: feed.EventStored,
			Data: &feed.StoredData{Event: stored, ReplacedIDs: result.ReplacedIDs},
		})
	}
	return result, nil
}

// Event retrieves a stored event by id, or nil when it is not present.
func (s *Store) Event(_ context.Context, id string) (*event.Stored, error) {
	key, err := idKey(id)
	if err != nil {
		return nil, err
	}
	var out *event.Stored
	err = s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(eventsBucket).Get(key)
		if value == nil {
			return nil
		}
		decoded, err := decodeStored(value)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	return out, err
}

// HasEvent checks if an event by id exists in the db.
func (s *Store) HasEvent(_ context.Context, id string) (bool, error) {
	key, err := idKey(id)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(eventsBucket).Get(key) != nil
		return nil
	})
	return exists, err
}

// DeleteEvent removes an event when the requester is its author. It returns
// false without error when the event does not exist or the requester does
// not own it.
func (s *Store) DeleteEvent(_ context.Context, id, requesterPubkey string) (bool, error) {
	key, err := idKey(id)
	if err != nil {
		return false, err
	}
	var deleted bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		value := tx.Bucket(eventsBucket).Get(key)
		if value == nil {
			return nil
		}
		stored, err := decodeStored(value)
		if err != nil {
			return err
		}
		if stored.Event.PubKey != requesterPubkey {
			return nil
		}
		if err := s.deleteEventTx(tx, key, stored.Event); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		eventsDeletedTotal.Inc()
		s.storedFeed.Send(&feed.Event{
			Type: feed.EventDeleted,
			Data: &feed.DeletedData{ID: id, Requester: requesterPubkey},
		})
	}
	return deleted, nil
}

// ApplyDeletionRequest deletes every event named by the request's "e" tags
// that the request author owns, returning the ids actually removed.
func (s *Store) ApplyDeletionRequest(ctx context.Context, ev *nostr.Event) ([]string, error) {
	var deleted []string
	for _, id := range event.TaggedEventIDs(ev) {
		ok, err := s.DeleteEvent(ctx, id, ev.PubKey)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// deleteEventTx removes the event and all of its index entries inside the
// caller's transaction.
func (s *Store) deleteEventTx(tx *bolt.Tx, id []byte, ev *nostr.Event) error {
	pubkey, err := pubkeyKey(ev.PubKey)
	if err != nil {
		return err
	}
	if err := tx.Bucket(eventsBucket).Delete(id); err != nil {
		return err
	}
	if err := tx.Bucket(createdAtIndexBucket).Delete(createdAtIndexKey(ev.CreatedAt, id)); err != nil {
		return err
	}
	if err := tx.Bucket(pubkeyIndexBucket).Delete(appendKey(pubkey, id)); err != nil {
		return err
	}
	if err := tx.Bucket(kindIndexBucket).Delete(appendKey(kindKey(ev.Kind), id)); err != nil {
		return err
	}
	if event.IsReplaceable(ev.Kind) {
		pointer := tx.Bucket(pubkeyKindIndexBucket)
		pointerKey := pubkeyKindKey(pubkey, ev.Kind)
		if current := pointer.Get(pointerKey); bytes.Equal(current, id) {
			if err := pointer.Delete(pointerKey); err != nil {
				return err
			}
		}
	}
	if event.IsAddressable(ev.Kind) {
		pointer := tx.Bucket(pubkeyKindDIndexBucket)
		pointerKey := pubkeyKindDKey(pubkey, ev.Kind, event.DTagValue(ev))
		if current := pointer.Get(pointerKey); bytes.Equal(current, id) {
			if err := pointer.Delete(pointerKey); err != nil {
				return err
			}
		}
	}
	return nil
}
