package kv

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/feed"
	"github.com/crosstown-labs/crosstown/testing/assert"
	"github.com/crosstown-labs/crosstown/testing/require"
	"github.com/crosstown-labs/crosstown/testing/util"
)

func setupStore(t testing.TB) *Store {
	store, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestSaveEvent_RoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)

	result, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, true, result.Stored)
	assert.Equal(t, 0, len(result.ReplacedIDs))

	stored, err := store.Event(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.DeepEqual(t, ev, stored.Event)
	assert.NotEqual(t, int64(0), stored.ReceivedAt)
}

func TestSaveEvent_Idempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)

	first, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, true, first.Stored)

	second, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, false, second.Stored)

	events, err := store.QueryEvents(ctx, nostr.Filters{{}})
	require.NoError(t, err)
	assert.Equal(t, 1, len(events))
}

func TestSaveEvent_RejectsTampered(t *testing.T) {
	store := setupStore(t)
	sk, _ := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)
	ev.Content = "tampered"

	_, err := store.SaveEvent(context.Background(), ev)
	require.ErrorIs(t, err, event.ErrInvalidEvent)
}

func TestSaveEvent_EphemeralNotPersisted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, event.KindHandshakeRequest, "{}", nil)

	notifications := make(chan *feed.Event, 1)
	sub := store.StoredFeed().Subscribe(notifications)
	defer sub.Unsubscribe()

	result, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, false, result.Stored)

	stored, err := store.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, (*event.Stored)(nil), stored)

	// Live subscribers still observe the ephemeral event.
	select {
	case n := <-notifications:
		data, ok := n.Data.(*feed.StoredData)
		require.Equal(t, true, ok)
		assert.Equal(t, ev.ID, data.Event.Event.ID)
	default:
		t.Fatal("expected a stored-feed notification for the ephemeral event")
	}
}

func TestSaveEvent_ReplaceableKeepsNewest(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)

	older := util.SignedEventAt(t, sk, event.KindPeerInfo, "v1", nil, nostr.Timestamp(1000))
	newer := util.SignedEventAt(t, sk, event.KindPeerInfo, "v2", nil, nostr.Timestamp(2000))

	first, err := store.SaveEvent(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, true, first.Stored)

	second, err := store.SaveEvent(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, true, second.Stored)
	assert.DeepEqual(t, []string{older.ID}, second.ReplacedIDs)

	gone, err := store.Event(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, (*event.Stored)(nil), gone)

	kept, err := store.Event(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "v2", kept.Event.Content)

	events, err := store.QueryEvents(ctx, nostr.Filters{{Kinds: []int{event.KindPeerInfo}}})
	require.NoError(t, err)
	assert.Equal(t, 1, len(events))
}

func TestSaveEvent_ReplaceableIgnoresStale(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)

	newer := util.SignedEventAt(t, sk, event.KindPeerInfo, "v2", nil, nostr.Timestamp(2000))
	older := util.SignedEventAt(t, sk, event.KindPeerInfo, "v1", nil, nostr.Timestamp(1000))

	_, err := store.SaveEvent(ctx, newer)
	require.NoError(t, err)

	result, err := store.SaveEvent(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, false, result.Stored)

	kept, err := store.Event(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestSaveEvent_AddressableUniquePerDTag(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)

	a1 := util.SignedEventAt(t, sk, 30023, "a1", nostr.Tags{{"d", "a"}}, nostr.Timestamp(1000))
	b1 := util.SignedEventAt(t, sk, 30023, "b1", nostr.Tags{{"d", "b"}}, nostr.Timestamp(1500))
	a2 := util.SignedEventAt(t, sk, 30023, "a2", nostr.Tags{{"d", "a"}}, nostr.Timestamp(2000))

	for _, ev := range []*nostr.Event{a1, b1} {
		result, err := store.SaveEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, true, result.Stored)
	}

	result, err := store.SaveEvent(ctx, a2)
	require.NoError(t, err)
	assert.Equal(t, true, result.Stored)
	assert.DeepEqual(t, []string{a1.ID}, result.ReplacedIDs)

	// The other d-tag value is untouched.
	keptB, err := store.Event(ctx, b1.ID)
	require.NoError(t, err)
	require.NotNil(t, keptB)
}

func TestDeleteEvent_OwnerOnly(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, pk := util.NewKeypair(t)
	_, otherPk := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)

	_, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)

	deleted, err := store.DeleteEvent(ctx, ev.ID, otherPk)
	require.NoError(t, err)
	assert.Equal(t, false, deleted)

	deleted, err = store.DeleteEvent(ctx, ev.ID, pk)
	require.NoError(t, err)
	assert.Equal(t, true, deleted)

	gone, err := store.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, (*event.Stored)(nil), gone)
}

func TestApplyDeletionRequest(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sk, _ := util.NewKeypair(t)
	otherSk, _ := util.NewKeypair(t)

	mine := util.SignedEvent(t, sk, event.KindTextNote, "mine", nil)
	theirs := util.SignedEvent(t, otherSk, event.KindTextNote, "theirs", nil)
	for _, ev := range []*nostr.Event{mine, theirs} {
		_, err := store.SaveEvent(ctx, ev)
		require.NoError(t, err)
	}

	request := util.SignedEvent(t, sk, event.KindDeletionRequest, "",
		nostr.Tags{{"e", mine.ID}, {"e", theirs.ID}})
	deleted, err := store.ApplyDeletionRequest(ctx, request)
	require.NoError(t, err)
	assert.DeepEqual(t, []string{mine.ID}, deleted)

	kept, err := store.Event(ctx, theirs.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
