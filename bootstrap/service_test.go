package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nbd-wtf/go-nostr"

	"github.com/crosstown-labs/crosstown/bls"
	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/connector"
	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/ilp"
	"github.com/crosstown-labs/crosstown/core/peers"
	"github.com/crosstown-labs/crosstown/db/iface"
	dbtesting "github.com/crosstown-labs/crosstown/db/testing"
	"github.com/crosstown-labs/crosstown/pricing"
	"github.com/crosstown-labs/crosstown/relay"
	"github.com/crosstown-labs/crosstown/settlement"
	"github.com/crosstown-labs/crosstown/testing/assert"
	"github.com/crosstown-labs/crosstown/testing/require"
	"github.com/crosstown-labs/crosstown/testing/util"
)

// testNode is one fully wired in-process node: store, pricer, settlement,
// BLS handler on the shared loopback connector, and a live relay server.
type testNode struct {
	name   string
	sk, pk string
	conf   *params.NodeConfig
	store  iface.Database
	pricer *pricing.Service
	settle *settlement.Service
	wsURL  string
}

func newTestNode(t *testing.T, name string, core *connector.Loopback) *testNode {
	sk, pk := util.NewKeypair(t)
	store := dbtesting.SetupDB(t)

	conf := params.DefaultConfig()
	conf.NodeID = name
	conf.PrivateKey = sk
	conf.ILPAddress = "g.crosstown." + name
	conf.SupportedChains = []string{"gnosis", "base"}
	conf.SettlementAddresses = map[string]string{"gnosis": "0xsettle-" + name}
	conf.PreferredTokens = map[string]string{"gnosis": "0xtoken"}
	conf.DiscoveryWindow = 2 * time.Second
	conf.MinPeers = 1
	conf.HandshakeTimeout = 5 * time.Second
	conf.PacketSendTimeout = 5 * time.Second
	conf.ChannelOpenTimeout = 5 * time.Second
	conf.ShutdownTimeout = 2 * time.Second

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	settle, err := settlement.NewService(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)

	pricer := pricing.NewService(conf)
	handler := bls.NewService(&bls.Config{
		Store:        store,
		Pricer:       pricer,
		Settlement:   settle,
		MaxClockSkew: conf.MaxClockSkew,
	})
	core.RegisterHandler(conf.ILPAddress, handler.HandlePacket)

	relaySrv := relay.NewServer(context.Background(), &relay.Config{
		Addr:            "127.0.0.1:0",
		DB:              store,
		Pricer:          pricer,
		MaxClockSkew:    conf.MaxClockSkew,
		SubSendBuffer:   64,
		MaxFilters:      8,
		ShutdownTimeout: time.Second,
	})
	relaySrv.Start()
	require.NoError(t, relaySrv.Status())
	t.Cleanup(func() {
		_ = relaySrv.Stop()
	})

	wsURL := "ws://" + relaySrv.ListenAddr()
	conf.RelayListenAddr = relaySrv.ListenAddr()
	conf.RelayURL = wsURL
	return &testNode{
		name:   name,
		sk:     sk,
		pk:     pk,
		conf:   conf,
		store:  store,
		pricer: pricer,
		settle: settle,
		wsURL:  wsURL,
	}
}

// publishSelfInfo stores the node's own peer-info announce in its local
// store so peers can discover it over the relay.
func (n *testNode) publishSelfInfo(t *testing.T) {
	content, err := json.Marshal(&peers.PeerInfo{
		ILPAddress:          n.conf.ILPAddress,
		BTPEndpoint:         "btp+ws://" + n.name + ".example",
		SupportedChains:     n.conf.SupportedChains,
		SettlementAddresses: n.conf.SettlementAddresses,
		PreferredTokens:     n.conf.PreferredTokens,
	})
	require.NoError(t, err)
	ev := &nostr.Event{
		PubKey:    n.pk,
		CreatedAt: nostr.Now(),
		Kind:      event.KindPeerInfo,
		Content:   string(content),
	}
	require.NoError(t, ev.Sign(n.sk))
	_, err = n.store.SaveEvent(context.Background(), ev)
	require.NoError(t, err)
}

func TestBootstrap_TwoNodeColdStart(t *testing.T) {
	core := connector.NewLoopback()
	adapter := connector.NewEmbedded(core)

	alice := newTestNode(t, "alice", core)
	bob := newTestNode(t, "bob", core)
	bob.publishSelfInfo(t)

	// Bob answers handshake requests; Alice runs the full state machine.
	responder, err := NewResponder(context.Background(), bob.conf, bob.store, adapter)
	require.NoError(t, err)
	responder.Start()
	t.Cleanup(func() {
		require.NoError(t, responder.Stop())
	})

	alice.conf.KnownPeers = []params.KnownPeer{{
		Pubkey:   bob.pk,
		RelayURL: bob.wsURL,
	}}
	svc, err := NewService(context.Background(), &Config{
		Node:       alice.conf,
		DB:         alice.store,
		Pricer:     alice.pricer,
		Settlement: alice.settle,
		Runtime:    adapter,
		Admin:      adapter,
		Channel:    adapter,
	})
	require.NoError(t, err)

	statusCh := make(chan *StatusEvent, 64)
	sub := svc.StatusFeed().Subscribe(statusCh)
	defer sub.Unsubscribe()
	svc.Start()
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})

	seen := map[string]bool{}
	deadline := time.After(20 * time.Second)
	for !seen[PhaseEventType(PhaseReady)] {
		select {
		case ev := <-statusCh:
			seen[ev.Type] = true
			if ev.Type == EventFailed {
				t.Fatalf("bootstrap failed: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("bootstrap did not reach ready, saw: %v", seen)
		}
	}
	for _, want := range []string{
		PhaseEventType(PhaseDiscovering),
		PhaseEventType(PhaseRegistering),
		PhaseEventType(PhaseHandshaking),
		PhaseEventType(PhaseAnnouncing),
		EventPeerRegistered,
		EventChannelOpened,
		EventAnnounced,
	} {
		assert.Equal(t, true, seen[want], want)
	}

	// Bob is registered on the connector and holds an open channel.
	assert.Equal(t, true, core.HasPeer(bob.pk))
	svc.mu.Lock()
	peer := svc.peers[bob.pk]
	svc.mu.Unlock()
	require.NotNil(t, peer)
	assert.Equal(t, true, peer.handshaken)
	assert.Equal(t, true, peer.announced)
	require.NotEqual(t, "", peer.channelID)
	state, err := adapter.ChannelState(context.Background(), peer.channelID)
	require.NoError(t, err)
	assert.Equal(t, "open", state)

	// Alice's paid announce landed in Bob's store.
	stored, err := bob.store.QueryEvents(context.Background(), nostr.Filters{{
		Authors: []string{alice.pk},
		Kinds:   []int{event.KindPeerInfo},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, len(stored))
	info, err := peers.ParsePeerInfo(stored[0].Event)
	require.NoError(t, err)
	assert.Equal(t, alice.conf.ILPAddress, info.ILPAddress)
}

func TestBootstrap_FailsWithNoPeers(t *testing.T) {
	core := connector.NewLoopback()
	adapter := connector.NewEmbedded(core)
	node := newTestNode(t, "loner", core)
	node.conf.DiscoveryWindow = 100 * time.Millisecond

	svc, err := NewService(context.Background(), &Config{
		Node:       node.conf,
		DB:         node.store,
		Pricer:     node.pricer,
		Settlement: node.settle,
		Runtime:    adapter,
		Admin:      adapter,
		Channel:    adapter,
	})
	require.NoError(t, err)

	statusCh := make(chan *StatusEvent, 16)
	sub := svc.StatusFeed().Subscribe(statusCh)
	defer sub.Unsubscribe()
	svc.Start()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-statusCh:
			if ev.Type == EventFailed {
				assert.Equal(t, PhaseFailed, svc.Phase())
				assert.ErrorContains(t, "no peers", svc.Status())
				return
			}
		case <-deadline:
			t.Fatal("bootstrap did not fail")
		}
	}
}

// stubRuntime scripts packet responses for the announce retry test.
type stubRuntime struct {
	mu        sync.Mutex
	requests  []*ilp.PacketRequest
	responses []*ilp.PacketResponse
}

func (s *stubRuntime) SendILPPacket(_ context.Context, req *ilp.PacketRequest) (*ilp.PacketResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func TestAnnounce_RetriesOnceWithRequiredAmount(t *testing.T) {
	core := connector.NewLoopback()
	node := newTestNode(t, "retrier", core)

	f06 := ilp.Reject(ilp.CodeInsufficientAmount, "insufficient amount")
	f06.Required = "12345"
	stub := &stubRuntime{responses: []*ilp.PacketResponse{f06, {Accept: true}}}

	svc, err := NewService(context.Background(), &Config{
		Node:       node.conf,
		DB:         node.store,
		Pricer:     node.pricer,
		Settlement: node.settle,
		Runtime:    stub,
		Admin:      connector.NewEmbedded(core),
		Channel:    connector.NewEmbedded(core),
	})
	require.NoError(t, err)

	packet, err := svc.buildAnnounce()
	require.NoError(t, err)
	peer := &peerState{
		pubkey:     "peer",
		handshaken: true,
		info:       &peers.PeerInfo{ILPAddress: "g.crosstown.peer"},
	}
	require.NoError(t, svc.announcePeer(context.Background(), peer, packet))

	require.Equal(t, 2, len(stub.requests))
	assert.Equal(t, packet.price, stub.requests[0].Amount)
	assert.Equal(t, uint64(12345), stub.requests[1].Amount)

	// A second rejection is terminal, not retried again.
	stub2 := &stubRuntime{responses: []*ilp.PacketResponse{f06, f06}}
	svc.cfg.Runtime = stub2
	err = svc.announcePeer(context.Background(), peer, packet)
	assert.ErrorContains(t, "after repricing", err)
	require.Equal(t, 2, len(stub2.requests))
}

func TestResponder_AnswersHandshakeRequests(t *testing.T) {
	core := connector.NewLoopback()
	node := newTestNode(t, "responder", core)

	stub := &stubRuntime{responses: []*ilp.PacketResponse{{Accept: true}}}
	responder, err := NewResponder(context.Background(), node.conf, node.store, stub)
	require.NoError(t, err)
	responder.Start()
	t.Cleanup(func() {
		require.NoError(t, responder.Stop())
	})

	requesterSK, requesterPK := util.NewKeypair(t)
	payload, err := json.Marshal(&peers.HandshakeRequest{
		RequestID:       "req-1",
		ILPAddress:      "g.crosstown.requester",
		SupportedChains: []string{"gnosis"},
	})
	require.NoError(t, err)
	sealed, err := peers.SealHandshake(payload, node.pk, requesterSK)
	require.NoError(t, err)
	req := &nostr.Event{
		PubKey:    requesterPK,
		CreatedAt: nostr.Now(),
		Kind:      event.KindHandshakeRequest,
		Tags:      nostr.Tags{{"p", node.pk}},
		Content:   sealed,
	}
	require.NoError(t, req.Sign(requesterSK))
	_, err = node.store.SaveEvent(context.Background(), req)
	require.NoError(t, err)

	var sent *ilp.PacketRequest
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stub.mu.Lock()
		if len(stub.requests) > 0 {
			sent = stub.requests[0]
		}
		stub.mu.Unlock()
		if sent != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotNil(t, sent)
	assert.Equal(t, "g.crosstown.requester", sent.Destination)
	assert.Equal(t, uint64(0), sent.Amount)

	raw, err := base64.StdEncoding.DecodeString(sent.Data)
	require.NoError(t, err)
	respEv, _, err := event.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, event.KindHandshakeResponse, respEv.Kind)
	assert.Equal(t, node.pk, respEv.PubKey)
	opened, err := peers.OpenHandshake(respEv.Content, respEv.PubKey, requesterSK)
	require.NoError(t, err)
	hs := &peers.HandshakeResponse{}
	require.NoError(t, json.Unmarshal(opened, hs))
	assert.Equal(t, "req-1", hs.RequestID)
	assert.DeepEqual(t, node.conf.SupportedChains, hs.SupportedChains)
}
