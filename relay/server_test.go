package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/db/iface"
	dbtesting "github.com/crosstown-labs/crosstown/db/testing"
	"github.com/crosstown-labs/crosstown/pricing"
	"github.com/crosstown-labs/crosstown/testing/assert"
	"github.com/crosstown-labs/crosstown/testing/require"
	"github.com/crosstown-labs/crosstown/testing/util"
)

type relayHarness struct {
	server *Server
	db     iface.Database
	http   *httptest.Server
}

func setupRelay(t *testing.T) *relayHarness {
	return setupRelayBuffer(t, 0)
}

func setupRelayBuffer(t *testing.T, sendBuffer int) *relayHarness {
	store := dbtesting.SetupDB(t)
	conf := params.DefaultConfig()
	conf.PricingRows = []params.PricingRow{{Kind: event.KindTextNote, Base: 100, PerByte: 1}}
	if sendBuffer <= 0 {
		sendBuffer = conf.SubSendBuffer
	}
	srv := NewServer(context.Background(), &Config{
		Addr:          "127.0.0.1:0",
		DB:            store,
		Pricer:        pricing.NewService(conf),
		MaxClockSkew:  conf.MaxClockSkew,
		SubSendBuffer: sendBuffer,
		MaxFilters:    conf.MaxFilters,
	})
	srv.wg.Add(1)
	go srv.dispatchLoop()

	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
		srv.wg.Wait()
	})
	return &relayHarness{server: srv, db: store, http: ts}
}

func (h *relayHarness) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ws.Close()
	})
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, parts ...interface{}) {
	raw, err := json.Marshal(parts)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, ws *websocket.Conn) []json.RawMessage {
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &parts))
	require.NotNil(t, parts)
	return parts
}

func frameLabel(t *testing.T, parts []json.RawMessage) string {
	var label string
	require.NoError(t, json.Unmarshal(parts[0], &label))
	return label
}

func frameEvent(t *testing.T, parts []json.RawMessage) (string, *nostr.Event) {
	require.Equal(t, "EVENT", frameLabel(t, parts))
	var subID string
	require.NoError(t, json.Unmarshal(parts[1], &subID))
	ev := &nostr.Event{}
	require.NoError(t, json.Unmarshal(parts[2], ev))
	return subID, ev
}

func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	require.NotNil(t, err)
}

func TestServer_HistoryThenEOSEThenLive(t *testing.T) {
	h := setupRelay(t)
	sk, _ := util.NewKeypair(t)

	past := util.SignedEvent(t, sk, event.KindTextNote, "already here", nil)
	_, err := h.db.SaveEvent(context.Background(), past)
	require.NoError(t, err)

	ws := h.dial(t)
	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{event.KindTextNote}})

	subID, got := frameEvent(t, readFrame(t, ws))
	assert.Equal(t, "sub1", subID)
	assert.Equal(t, past.ID, got.ID)
	assert.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))

	live := util.SignedEvent(t, sk, event.KindTextNote, "fresh", nil)
	_, err = h.db.SaveEvent(context.Background(), live)
	require.NoError(t, err)
	_, got = frameEvent(t, readFrame(t, ws))
	assert.Equal(t, live.ID, got.ID)

	// Non-matching kinds stay silent.
	other := util.SignedEvent(t, sk, 42, "other", nil)
	_, err = h.db.SaveEvent(context.Background(), other)
	require.NoError(t, err)
	expectNoFrame(t, ws)
}

func TestServer_DeliversAtMostOncePerSubscription(t *testing.T) {
	h := setupRelay(t)
	sk, pk := util.NewKeypair(t)

	ws := h.dial(t)
	// Two overlapping filters in one subscription must still yield a single
	// frame per event.
	sendFrame(t, ws, "REQ", "sub1",
		nostr.Filter{Kinds: []int{event.KindTextNote}},
		nostr.Filter{Authors: []string{pk}},
	)
	require.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))

	ev := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)
	_, err := h.db.SaveEvent(context.Background(), ev)
	require.NoError(t, err)

	_, got := frameEvent(t, readFrame(t, ws))
	assert.Equal(t, ev.ID, got.ID)
	expectNoFrame(t, ws)
}

func TestServer_DuplicateReqReplacesSubscription(t *testing.T) {
	h := setupRelay(t)
	sk, _ := util.NewKeypair(t)

	ws := h.dial(t)
	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{event.KindTextNote}})
	require.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))

	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{42}})
	require.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))

	// The old filter no longer applies.
	note := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)
	_, err := h.db.SaveEvent(context.Background(), note)
	require.NoError(t, err)
	other := util.SignedEvent(t, sk, 42, "other", nil)
	_, err = h.db.SaveEvent(context.Background(), other)
	require.NoError(t, err)

	_, got := frameEvent(t, readFrame(t, ws))
	assert.Equal(t, other.ID, got.ID)
	expectNoFrame(t, ws)
}

func TestServer_CloseStopsDelivery(t *testing.T) {
	h := setupRelay(t)
	sk, _ := util.NewKeypair(t)

	ws := h.dial(t)
	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{event.KindTextNote}})
	require.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))
	sendFrame(t, ws, "CLOSE", "sub1")

	// Give the close a moment to land before storing.
	time.Sleep(100 * time.Millisecond)
	ev := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)
	_, err := h.db.SaveEvent(context.Background(), ev)
	require.NoError(t, err)
	expectNoFrame(t, ws)
}

func TestServer_LimitZeroYieldsOnlyEOSE(t *testing.T) {
	h := setupRelay(t)
	sk, _ := util.NewKeypair(t)
	past := util.SignedEvent(t, sk, event.KindTextNote, "history", nil)
	_, err := h.db.SaveEvent(context.Background(), past)
	require.NoError(t, err)

	ws := h.dial(t)
	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{event.KindTextNote}, LimitZero: true, Limit: 0})
	assert.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))
}

func TestServer_PublishPath(t *testing.T) {
	h := setupRelay(t)
	sk, _ := util.NewKeypair(t)

	ws := h.dial(t)

	// Handshake kinds are free and therefore publishable directly.
	free := util.SignedEvent(t, sk, event.KindHandshakeRequest, "{}", nil)
	sendFrame(t, ws, "EVENT", free)
	parts := readFrame(t, ws)
	require.Equal(t, "OK", frameLabel(t, parts))
	var accepted bool
	require.NoError(t, json.Unmarshal(parts[2], &accepted))
	assert.Equal(t, true, accepted)

	// Priced kinds must come in as paid packets.
	paid := util.SignedEvent(t, sk, event.KindTextNote, "hi", nil)
	sendFrame(t, ws, "EVENT", paid)
	parts = readFrame(t, ws)
	require.Equal(t, "OK", frameLabel(t, parts))
	require.NoError(t, json.Unmarshal(parts[2], &accepted))
	assert.Equal(t, false, accepted)
	var msg string
	require.NoError(t, json.Unmarshal(parts[3], &msg))
	assert.Equal(t, "restricted: pay via packet", msg)

	// Tampered events are refused outright.
	bad := util.SignedEvent(t, sk, event.KindHandshakeRequest, "{}", nil)
	bad.Content = "tampered"
	bad.ID = bad.GetID()
	sendFrame(t, ws, "EVENT", bad)
	parts = readFrame(t, ws)
	require.Equal(t, "OK", frameLabel(t, parts))
	require.NoError(t, json.Unmarshal(parts[2], &accepted))
	assert.Equal(t, false, accepted)
}

func TestServer_TooManyFilters(t *testing.T) {
	h := setupRelay(t)
	h.server.cfg.MaxFilters = 2

	ws := h.dial(t)
	sendFrame(t, ws, "REQ", "sub1",
		nostr.Filter{Kinds: []int{1}},
		nostr.Filter{Kinds: []int{2}},
		nostr.Filter{Kinds: []int{3}},
	)
	parts := readFrame(t, ws)
	assert.Equal(t, "NOTICE", frameLabel(t, parts))
}

func TestServer_StopWithOpenConnections(t *testing.T) {
	h := setupRelay(t)
	ws := h.dial(t)
	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{event.KindTextNote}})
	assert.Equal(t, "EOSE", frameLabel(t, readFrame(t, ws)))

	done := make(chan error, 1)
	go func() {
		done <- h.server.Stop()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with an open connection")
	}

	// The client observes the close.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.NotNil(t, err)
}

func TestConnection_SlowConsumerNoticeAndClose(t *testing.T) {
	store := dbtesting.SetupDB(t)
	srv := NewServer(context.Background(), &Config{
		Addr:          "127.0.0.1:0",
		DB:            store,
		SubSendBuffer: 1,
	})
	connCh := make(chan *connection, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		connCh <- newConnection(srv, ws)
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()
	c := <-connCh

	// Overflow the one-slot queue before the write loop starts draining, so
	// the third enqueue must take the slow-consumer path.
	frame, err := marshalFrame("NOTICE", "filler")
	require.NoError(t, err)
	c.enqueue(frame)
	c.enqueue(frame)
	c.enqueue(frame)

	go c.writeLoop()

	sawNotice := false
	for {
		if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			break
		}
		_, raw, err := client.ReadMessage()
		if err != nil {
			break
		}
		var parts []json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &parts))
		var msg string
		if len(parts) == 2 && frameLabel(t, parts) == "NOTICE" {
			require.NoError(t, json.Unmarshal(parts[1], &msg))
			if msg == "slow consumer" {
				sawNotice = true
			}
		}
	}
	assert.Equal(t, true, sawNotice, "expected a slow consumer notice before the close")

	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after queue overflow")
	}
}

func TestServer_DeliversEventsCommittedDuringReq(t *testing.T) {
	h := setupRelay(t)
	sk, _ := util.NewKeypair(t)
	ws := h.dial(t)

	// Hammer the store while the REQ is being processed: every event
	// committed around the history query must surface exactly once, either
	// in history or live after EOSE.
	var mu sync.Mutex
	var saved []string
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ev := util.SignedEvent(t, sk, event.KindTextNote, fmt.Sprintf("note %d", i), nil)
			if _, err := h.db.SaveEvent(context.Background(), ev); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			saved = append(saved, ev.ID)
			mu.Unlock()
		}
	}()

	sendFrame(t, ws, "REQ", "sub1", nostr.Filter{Kinds: []int{event.KindTextNote}})

	delivered := make(map[string]int)
	for {
		parts := readFrame(t, ws)
		if frameLabel(t, parts) == "EOSE" {
			break
		}
		_, ev := frameEvent(t, parts)
		delivered[ev.ID]++
	}
	close(stop)
	<-writerDone

	mu.Lock()
	want := append([]string(nil), saved...)
	mu.Unlock()

	missing := func() int {
		n := 0
		for _, id := range want {
			if delivered[id] == 0 {
				n++
			}
		}
		return n
	}
	deadline := time.Now().Add(5 * time.Second)
	for missing() > 0 && time.Now().Before(deadline) {
		_, ev := frameEvent(t, readFrame(t, ws))
		delivered[ev.ID]++
	}
	require.Equal(t, 0, missing(), "events fell between history and live delivery")
	for _, id := range want {
		assert.Equal(t, 1, delivered[id], "event delivered more than once")
	}
}
