package bootstrap

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/peers"
)

// discover subscribes to peer-info events on every configured relay and
// collects announces until the discovery window expires or the minimum peer
// count is reached. Relay failures are logged per relay; an empty result is
// a legitimate outcome.
func (s *Service) discover(ctx context.Context) map[string]*peers.DiscoveredPeer {
	window := s.cfg.Node.DiscoveryWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	urls := s.relayURLs()
	if len(urls) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	found := make(chan *peers.DiscoveredPeer, 16)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			s.collectFromRelay(gctx, url, found)
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			log.WithError(err).Debug("Discovery group exited")
		}
		close(found)
	}()

	discovered := make(map[string]*peers.DiscoveredPeer)
	for d := range found {
		if _, ok := discovered[d.Pubkey]; ok {
			continue
		}
		discovered[d.Pubkey] = d
		log.WithField("peer", d.Pubkey).Info("Discovered peer")
		if s.cfg.Node.MinPeers > 0 && len(discovered) >= s.cfg.Node.MinPeers {
			cancel()
		}
	}
	return discovered
}

func (s *Service) relayURLs() []string {
	seen := make(map[string]bool)
	var urls []string
	for _, kp := range s.cfg.Node.KnownPeers {
		if kp.RelayURL == "" || seen[kp.RelayURL] {
			continue
		}
		seen[kp.RelayURL] = true
		urls = append(urls, kp.RelayURL)
	}
	return urls
}

func (s *Service) collectFromRelay(ctx context.Context, url string, found chan<- *peers.DiscoveredPeer) {
	relay, err := s.cfg.Dial(ctx, url)
	if err != nil {
		log.WithError(err).WithField("relay", url).Warn("Could not connect to relay")
		return
	}
	defer func() {
		if err := relay.Close(); err != nil {
			log.WithError(err).WithField("relay", url).Debug("Could not close relay")
		}
	}()

	sub, err := relay.Subscribe(ctx, nostr.Filters{{Kinds: []int{event.KindPeerInfo}}})
	if err != nil {
		log.WithError(err).WithField("relay", url).Warn("Could not subscribe for peer info")
		return
	}
	defer sub.Unsub()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev == nil || ev.PubKey == s.pubkey {
				continue
			}
			info, err := peers.ParsePeerInfo(ev)
			if err != nil {
				log.WithError(err).WithField("relay", url).Debug("Skipping malformed peer info")
				continue
			}
			select {
			case found <- &peers.DiscoveredPeer{Pubkey: ev.PubKey, Info: info, DiscoveredAt: time.Now()}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
