// Package bootstrap drives a node from cold start to participating in the
// payment-routed relay fabric: discover peers over the gossip relays,
// register them with the connector, run the settlement handshake to open a
// payment channel, then announce ourselves with a paid packet. Once ready it
// keeps watching the local relay for new peers and folds them in one at a
// time.
package bootstrap

import (
	"context"
	"sync"
	"time"

	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/nbd-wtf/go-nostr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/connector"
	"github.com/crosstown-labs/crosstown/core/peers"
	"github.com/crosstown-labs/crosstown/db/iface"
	"github.com/crosstown-labs/crosstown/pricing"
	"github.com/crosstown-labs/crosstown/settlement"
)

// RelayDialer opens a client connection to a peer's relay. Injected so the
// harness can point discovery at in-process relays.
type RelayDialer func(ctx context.Context, url string) (*nostr.Relay, error)

// Config wires the state machine to its collaborators.
type Config struct {
	Node       *params.NodeConfig
	DB         iface.Database
	Pricer     *pricing.Service
	Settlement *settlement.Service
	Runtime    connector.Runtime
	Admin      connector.Admin
	Channel    connector.Channel
	Dial       RelayDialer
}

// peerState is the machine's private view of one peer as it moves through
// the register/handshake/announce flow.
type peerState struct {
	pubkey      string
	btpEndpoint string
	info        *peers.PeerInfo
	registered  bool
	handshaken  bool
	channelID   string
	announced   bool
	lastErr     error
}

// Service is the bootstrap state machine.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	pubkey string

	statusFeed gethevent.Feed

	mu    sync.Mutex
	phase string
	peers map[string]*peerState

	// recent remembers pubkeys handled by the incremental flow so a burst
	// of duplicate announces does not re-run the handshake.
	recent *gocache.Cache

	done   chan struct{}
	runErr error
}

// NewService builds the state machine. The node's event signing key must be
// set; everything else defaults sensibly.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	pubkey, err := nostr.GetPublicKey(cfg.Node.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid node private key")
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (*nostr.Relay, error) {
			return nostr.RelayConnect(ctx, url)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		pubkey: pubkey,
		peers:  make(map[string]*peerState),
		recent: gocache.New(10*time.Minute, 30*time.Minute),
		done:   make(chan struct{}),
	}, nil
}

// StatusFeed notifies subscribers of phase transitions and per-peer
// progress.
func (s *Service) StatusFeed() *gethevent.Feed {
	return &s.statusFeed
}

// Phase returns the machine's current phase.
func (s *Service) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start runs the state machine in the background.
func (s *Service) Start() {
	go s.run()
}

// Stop cancels the run and waits for it to finalize within the shutdown
// budget.
func (s *Service) Stop() error {
	s.cancel()
	budget := s.cfg.Node.ShutdownTimeout
	if budget <= 0 {
		budget = 5 * time.Second
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(budget):
		return errors.New("bootstrap did not finalize within shutdown budget")
	}
}

// Status reports the terminal failure, if the machine reached one.
func (s *Service) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseFailed {
		return s.runErr
	}
	return nil
}

func (s *Service) run() {
	defer close(s.done)

	s.setPhase(PhaseDiscovering)
	discovered := s.discover(s.ctx)
	if s.ctx.Err() != nil {
		return
	}
	s.seedPeers(discovered)
	if len(s.peers) == 0 {
		s.fail(errors.New("no peers discovered and none known"))
		return
	}

	s.setPhase(PhaseRegistering)
	if registered := s.registerAll(s.ctx); registered == 0 {
		s.fail(errors.New("no peer could be registered"))
		return
	}

	s.setPhase(PhaseHandshaking)
	if handshaken := s.handshakeAll(s.ctx); handshaken == 0 {
		s.fail(errors.New("no peer completed the settlement handshake"))
		return
	}

	s.setPhase(PhaseAnnouncing)
	s.announceAll(s.ctx)
	if s.ctx.Err() != nil {
		return
	}

	s.setPhase(PhaseReady)
	s.watchForNewPeers(s.ctx)
}

// seedPeers merges configured known peers with discovery results. Discovery
// wins on conflicts since it carries the full peer info.
func (s *Service) seedPeers(discovered map[string]*peers.DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kp := range s.cfg.Node.KnownPeers {
		if kp.Pubkey == "" || kp.Pubkey == s.pubkey {
			continue
		}
		s.peers[kp.Pubkey] = &peerState{pubkey: kp.Pubkey, btpEndpoint: kp.BTPEndpoint}
	}
	for pubkey, d := range discovered {
		if pubkey == s.pubkey {
			continue
		}
		p, ok := s.peers[pubkey]
		if !ok {
			p = &peerState{pubkey: pubkey}
			s.peers[pubkey] = p
		}
		p.info = d.Info
		if p.btpEndpoint == "" {
			p.btpEndpoint = d.Info.BTPEndpoint
		}
	}
}

func (s *Service) snapshotPeers() []*peerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerState, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Service) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
	log.WithField("phase", phase).Info("Bootstrap phase transition")
	s.statusFeed.Send(&StatusEvent{Type: PhaseEventType(phase), Phase: phase})
}

func (s *Service) fail(err error) {
	s.mu.Lock()
	s.phase = PhaseFailed
	s.runErr = err
	s.mu.Unlock()
	log.WithError(err).Error("Bootstrap failed")
	s.statusFeed.Send(&StatusEvent{Type: EventFailed, Phase: PhaseFailed, Err: err})
}

// registerAll registers every seeded peer with the connector. Failures drop
// the peer from the remaining phases but do not abort the run.
func (s *Service) registerAll(ctx context.Context) int {
	registered := 0
	for _, p := range s.snapshotPeers() {
		if ctx.Err() != nil {
			return registered
		}
		if err := s.registerPeer(ctx, p); err != nil {
			p.lastErr = err
			log.WithError(err).WithField("peer", p.pubkey).Warn("Could not register peer")
			continue
		}
		registered++
	}
	return registered
}

func (s *Service) registerPeer(ctx context.Context, p *peerState) error {
	cfg := &connector.PeerConfig{PeerID: p.pubkey, URL: p.btpEndpoint}
	if p.info != nil {
		if cfg.URL == "" {
			cfg.URL = p.info.BTPEndpoint
		}
		if p.info.ILPAddress != "" {
			cfg.Routes = []connector.Route{{Prefix: p.info.ILPAddress, Priority: 0}}
		}
	}
	if err := s.cfg.Admin.AddPeer(ctx, cfg); err != nil {
		return err
	}
	p.registered = true
	s.statusFeed.Send(&StatusEvent{Type: EventPeerRegistered, Phase: s.Phase(), Peer: p.pubkey})
	return nil
}
