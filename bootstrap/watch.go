package bootstrap

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/feed"
	"github.com/crosstown-labs/crosstown/core/peers"
)

// watchForNewPeers runs the ready-phase incremental flow: every new
// peer-info event stored locally triggers a one-peer
// register/handshake/announce pass without changing the global phase.
func (s *Service) watchForNewPeers(ctx context.Context) {
	ch := make(chan *feed.Event, 16)
	sub := s.cfg.DB.StoredFeed().Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case n := <-ch:
			if n.Type != feed.EventStored {
				continue
			}
			data, ok := n.Data.(*feed.StoredData)
			if !ok || data.Event == nil || data.Event.Event.Kind != event.KindPeerInfo {
				continue
			}
			s.integratePeer(ctx, data.Event.Event.PubKey, data.Event.Event)
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Store feed subscription failed")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// integratePeer folds one newly announced peer into the fabric.
func (s *Service) integratePeer(ctx context.Context, pubkey string, ev *nostr.Event) {
	if pubkey == s.pubkey {
		return
	}
	if _, seen := s.recent.Get(pubkey); seen {
		return
	}
	s.recent.SetDefault(pubkey, true)

	s.mu.Lock()
	if existing, ok := s.peers[pubkey]; ok && existing.handshaken {
		s.mu.Unlock()
		return
	}
	info, err := peers.ParsePeerInfo(ev)
	if err != nil {
		s.mu.Unlock()
		log.WithError(err).WithField("peer", pubkey).Debug("Skipping malformed peer info")
		return
	}
	p, ok := s.peers[pubkey]
	if !ok {
		p = &peerState{pubkey: pubkey}
		s.peers[pubkey] = p
	}
	p.info = info
	if p.btpEndpoint == "" {
		p.btpEndpoint = info.BTPEndpoint
	}
	s.mu.Unlock()

	log.WithField("peer", pubkey).Info("Integrating new peer")
	if err := s.registerPeer(ctx, p); err != nil {
		p.lastErr = err
		log.WithError(err).WithField("peer", pubkey).Warn("Could not register new peer")
		return
	}
	if err := s.handshakePeer(ctx, p); err != nil {
		p.lastErr = err
		log.WithError(err).WithField("peer", pubkey).Warn("Could not handshake new peer")
		return
	}
	packet, err := s.buildAnnounce()
	if err != nil {
		log.WithError(err).Error("Could not build peer-info announce")
		return
	}
	if err := s.announcePeer(ctx, p, packet); err != nil {
		p.lastErr = err
		log.WithError(err).WithField("peer", pubkey).Warn("Could not announce to new peer")
		return
	}
	p.announced = true
	s.statusFeed.Send(&StatusEvent{Type: EventAnnounced, Phase: s.Phase(), Peer: p.pubkey})
}
