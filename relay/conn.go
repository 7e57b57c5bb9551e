package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/filter"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20

	// seenCacheSize bounds the per-subscription dedup window. It only needs
	// to cover the overlap between a history query and the live feed.
	seenCacheSize = 512
)

// subscription is one REQ held open on a connection. The seen cache
// guarantees at-most-once delivery per event id even when an event shows up
// in both the history query and the live feed.
type subscription struct {
	id      string
	filters nostr.Filters
	seen    *lru.Cache
}

func (sub *subscription) markDelivered(id string) bool {
	already, _ := sub.seen.ContainsOrAdd(id, true)
	return !already
}

// connection owns one websocket and every subscription created on it. The
// send queue is bounded; overflowing it closes the connection rather than
// dropping frames silently.
type connection struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte

	// slowClose hands the slow-consumer notice to the write loop, which is
	// the only goroutine allowed to write data frames.
	slowClose chan []byte

	mu   sync.Mutex
	subs map[string]*subscription

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		server:    s,
		ws:        ws,
		send:      make(chan []byte, s.cfg.SubSendBuffer),
		slowClose: make(chan []byte, 1),
		subs:      make(map[string]*subscription),
		closed:    make(chan struct{}),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.ws.Close(); err != nil {
			log.WithError(err).Debug("Could not close websocket")
		}
		c.mu.Lock()
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()
		c.server.dropConnection(c)
	})
}

// enqueue appends a frame to the send queue. A full queue means the client
// is not keeping up, so the connection is told off and closed.
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		c.slowConsumerClose()
	}
}

// slowConsumerClose signals the write loop to tell the client off and close.
// The notice is not written here: the write loop may be mid-frame on the
// same socket and gorilla/websocket permits only one concurrent writer.
func (c *connection) slowConsumerClose() {
	notice, err := marshalFrame("NOTICE", "slow consumer")
	if err != nil {
		notice = nil
	}
	select {
	case c.slowClose <- notice:
		slowConsumerCloses.Inc()
		log.WithField("remote", c.ws.RemoteAddr().String()).Debug("Closing slow consumer")
	default:
		// A close is already pending.
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case notice := <-c.slowClose:
			if notice != nil {
				if err := c.ws.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
					_ = c.ws.WriteMessage(websocket.TextMessage, notice)
				}
			}
			c.close()
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *connection) readLoop() {
	defer c.close()
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

func (c *connection) handleFrame(raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		c.notice("could not parse frame")
		return
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		c.notice("could not parse frame")
		return
	}
	switch label {
	case "REQ":
		c.handleReq(parts[1:])
	case "CLOSE":
		c.handleClose(parts[1:])
	case "EVENT":
		c.handlePublish(parts[1:])
	default:
		c.notice("unrecognized frame: " + label)
	}
}

func (c *connection) handleReq(parts []json.RawMessage) {
	if len(parts) < 2 {
		c.notice("REQ requires a subscription id and at least one filter")
		return
	}
	var subID string
	if err := json.Unmarshal(parts[0], &subID); err != nil || subID == "" {
		c.notice("invalid subscription id")
		return
	}
	filterParts := parts[1:]
	if max := c.server.cfg.MaxFilters; max > 0 && len(filterParts) > max {
		c.notice("too many filters")
		return
	}
	filters := make(nostr.Filters, 0, len(filterParts))
	for _, p := range filterParts {
		var f nostr.Filter
		if err := json.Unmarshal(p, &f); err != nil {
			c.notice("could not parse filter")
			return
		}
		filters = append(filters, f)
	}

	seen, err := lru.New(seenCacheSize)
	if err != nil {
		c.notice("internal error")
		return
	}
	sub := &subscription{id: subID, filters: filters, seen: seen}

	// A duplicate REQ with the same id is an implicit CLOSE plus re-open.
	// The whole query/register/flush sequence runs under the connection
	// lock: deliver serializes on the same lock, so an event committed
	// while the history query runs blocks in deliver and goes out live
	// after EOSE, instead of jumping ahead of it or falling between the
	// query and the registration.
	c.mu.Lock()
	history, err := c.server.cfg.DB.QueryEvents(c.server.ctx, filters)
	if err != nil {
		c.mu.Unlock()
		log.WithError(err).Error("History query failed")
		c.notice("query failed")
		return
	}
	for _, stored := range history {
		sub.markDelivered(stored.Event.ID)
	}
	c.subs[subID] = sub
	for _, stored := range history {
		frame, err := marshalFrame("EVENT", subID, stored.Event)
		if err != nil {
			continue
		}
		eventsDelivered.Inc()
		c.enqueue(frame)
	}
	if frame, err := marshalFrame("EOSE", subID); err == nil {
		c.enqueue(frame)
	}
	c.mu.Unlock()
}

func (c *connection) handleClose(parts []json.RawMessage) {
	if len(parts) < 1 {
		return
	}
	var subID string
	if err := json.Unmarshal(parts[0], &subID); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

// handlePublish serves the optional client publish path. Only zero-priced
// events are admitted here; anything with a price must come in as a paid
// packet through the connector.
func (c *connection) handlePublish(parts []json.RawMessage) {
	if len(parts) != 1 {
		c.notice("EVENT publish takes exactly one event")
		return
	}
	ev := &nostr.Event{}
	if err := json.Unmarshal(parts[0], ev); err != nil {
		c.notice("could not parse event")
		return
	}
	if err := event.VerifyIngress(ev, c.server.cfg.MaxClockSkew); err != nil {
		c.ok(ev.ID, false, "invalid: bad signature")
		return
	}
	price, err := c.server.cfg.Pricer.Price(ev)
	if err != nil {
		c.ok(ev.ID, false, "invalid: unencodable event")
		return
	}
	if price > 0 {
		c.ok(ev.ID, false, "restricted: pay via packet")
		return
	}
	if _, err := c.server.cfg.DB.SaveEvent(c.server.ctx, ev); err != nil {
		log.WithError(err).WithField("eventId", ev.ID).Error("Could not persist published event")
		c.ok(ev.ID, false, "error: internal")
		return
	}
	if dk := c.server.cfg.DeletionKind; dk != 0 && ev.Kind == dk {
		if _, err := c.server.cfg.DB.ApplyDeletionRequest(c.server.ctx, ev); err != nil {
			log.WithError(err).WithField("eventId", ev.ID).Error("Could not apply deletion request")
		}
	}
	c.ok(ev.ID, true, "")
}

// deliver sends the stored event to every matching subscription on this
// connection, at most once per subscription.
func (c *connection) deliver(stored *event.Stored) {
	c.mu.Lock()
	frames := make([][]byte, 0, 1)
	for _, sub := range c.subs {
		if !filter.MatchesAny(sub.filters, stored.Event) {
			continue
		}
		if !sub.markDelivered(stored.Event.ID) {
			continue
		}
		frame, err := marshalFrame("EVENT", sub.id, stored.Event)
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	c.mu.Unlock()
	for _, frame := range frames {
		eventsDelivered.Inc()
		c.enqueue(frame)
	}
}

func (c *connection) notice(msg string) {
	if frame, err := marshalFrame("NOTICE", msg); err == nil {
		c.enqueue(frame)
	}
}

func (c *connection) ok(eventID string, accepted bool, msg string) {
	if frame, err := marshalFrame("OK", eventID, accepted, msg); err == nil {
		c.enqueue(frame)
	}
}

func marshalFrame(parts ...interface{}) ([]byte, error) {
	return json.Marshal(parts)
}
