package connector

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/core/ilp"
)

type loopbackPeer struct {
	config  *PeerConfig
	handler PacketHandler
}

type loopbackChannel struct {
	peerID string
	chain  string
	state  string
}

// Loopback is an in-memory connector core that routes packets between nodes
// living in the same process. Channels open instantly since there is no
// chain behind them. It backs single-process deployments and the multi-node
// test harness.
type Loopback struct {
	mu       sync.Mutex
	peers    map[string]*loopbackPeer
	handlers map[string]PacketHandler // ILP address prefix -> local handler.
	channels map[string]*loopbackChannel
}

// NewLoopback returns an empty loopback core.
func NewLoopback() *Loopback {
	return &Loopback{
		peers:    make(map[string]*loopbackPeer),
		handlers: make(map[string]PacketHandler),
		channels: make(map[string]*loopbackChannel),
	}
}

// RegisterHandler binds a local packet handler to an ILP address prefix.
// Packets whose destination starts with the prefix are delivered to it.
func (l *Loopback) RegisterHandler(addressPrefix string, handler PacketHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[addressPrefix] = handler
}

// SendPacket delivers the packet to the handler owning the longest matching
// destination prefix.
func (l *Loopback) SendPacket(ctx context.Context, req *ilp.PacketRequest) (*ilp.PacketResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrTimeout, err.Error())
	}
	handler := l.handlerFor(req.Destination)
	if handler == nil {
		return nil, errors.Wrapf(ErrPeerUnreachable, "no route to %s", req.Destination)
	}
	return handler(ctx, req), nil
}

func (l *Loopback) handlerFor(destination string) PacketHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best string
	var handler PacketHandler
	for prefix, h := range l.handlers {
		if strings.HasPrefix(destination, prefix) && len(prefix) > len(best) {
			best, handler = prefix, h
		}
	}
	return handler
}

// RegisterPeer records the peer and its routes. Re-registering the same peer
// overwrites the previous record, so repeated calls converge.
func (l *Loopback) RegisterPeer(_ context.Context, p *PeerConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *p
	copied.Routes = append([]Route(nil), p.Routes...)
	l.peers[p.PeerID] = &loopbackPeer{config: &copied}
	return nil
}

// UnregisterPeer drops the peer from the table.
func (l *Loopback) UnregisterPeer(_ context.Context, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[peerID]; !ok {
		return errors.Wrapf(ErrInvalidArgument, "unknown peer %s", peerID)
	}
	delete(l.peers, peerID)
	return nil
}

// HasPeer reports whether the peer is currently registered.
func (l *Loopback) HasPeer(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[peerID]
	return ok
}

// OpenChannel opens a channel with a registered peer. Loopback channels go
// straight to the open state.
func (l *Loopback) OpenChannel(_ context.Context, params *OpenChannelParams) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[params.PeerID]; !ok {
		return "", errors.Wrapf(ErrPeerUnreachable, "unknown peer %s", params.PeerID)
	}
	id := uuid.New().String()
	l.channels[id] = &loopbackChannel{peerID: params.PeerID, chain: params.Chain, state: "open"}
	return id, nil
}

// ChannelState reads the channel's lifecycle state.
func (l *Loopback) ChannelState(_ context.Context, channelID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[channelID]
	if !ok {
		return "", errors.Wrapf(ErrInvalidArgument, "unknown channel %s", channelID)
	}
	return ch.state, nil
}
