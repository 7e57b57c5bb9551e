package connector

import (
	"context"

	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/core/ilp"
)

// Core is the method set of an in-process connector object. The loopback
// core in this package implements it for tests and single-process
// deployments; an embedding application may supply its own.
type Core interface {
	SendPacket(ctx context.Context, req *ilp.PacketRequest) (*ilp.PacketResponse, error)
	RegisterPeer(ctx context.Context, p *PeerConfig) error
	UnregisterPeer(ctx context.Context, peerID string) error
	OpenChannel(ctx context.Context, params *OpenChannelParams) (string, error)
	ChannelState(ctx context.Context, channelID string) (string, error)
}

// Embedded adapts an in-process connector core to the shared adapter
// interfaces. It validates arguments the same way the remote surface does so
// the two adapters reject identically.
type Embedded struct {
	core Core
}

// NewEmbedded wraps an in-process connector core.
func NewEmbedded(core Core) *Embedded {
	return &Embedded{core: core}
}

// SendILPPacket forwards a packet through the in-process core.
func (e *Embedded) SendILPPacket(ctx context.Context, req *ilp.PacketRequest) (*ilp.PacketResponse, error) {
	if err := validatePacketRequest(req); err != nil {
		return nil, err
	}
	resp, err := e.core.SendPacket(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// AddPeer registers the peer with the in-process core.
func (e *Embedded) AddPeer(ctx context.Context, p *PeerConfig) error {
	if err := validatePeerConfig(p); err != nil {
		return err
	}
	return e.core.RegisterPeer(ctx, p)
}

// RemovePeer drops the peer from the in-process core.
func (e *Embedded) RemovePeer(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.Wrap(ErrInvalidArgument, "empty peer id")
	}
	return e.core.UnregisterPeer(ctx, peerID)
}

// OpenChannel opens a payment channel through the in-process core.
func (e *Embedded) OpenChannel(ctx context.Context, params *OpenChannelParams) (string, error) {
	if err := validateOpenChannelParams(params); err != nil {
		return "", err
	}
	return e.core.OpenChannel(ctx, params)
}

// ChannelState reads the channel's lifecycle state from the in-process core.
func (e *Embedded) ChannelState(ctx context.Context, channelID string) (string, error) {
	if channelID == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty channel id")
	}
	return e.core.ChannelState(ctx, channelID)
}

func validatePacketRequest(req *ilp.PacketRequest) error {
	if req == nil {
		return errors.Wrap(ErrInvalidArgument, "nil packet request")
	}
	if req.Destination == "" {
		return errors.Wrap(ErrInvalidArgument, "empty destination")
	}
	if req.Data == "" {
		return errors.Wrap(ErrInvalidArgument, "empty packet data")
	}
	return nil
}

func validatePeerConfig(p *PeerConfig) error {
	if p == nil || p.PeerID == "" {
		return errors.Wrap(ErrInvalidArgument, "missing peer id")
	}
	if p.URL == "" {
		return errors.Wrap(ErrInvalidArgument, "missing peer endpoint")
	}
	return nil
}

func validateOpenChannelParams(params *OpenChannelParams) error {
	if params == nil || params.PeerID == "" {
		return errors.Wrap(ErrInvalidArgument, "missing peer id")
	}
	if params.Chain == "" {
		return errors.Wrap(ErrInvalidArgument, "missing chain")
	}
	if params.PeerAddress == "" {
		return errors.Wrap(ErrInvalidArgument, "missing peer settlement address")
	}
	if params.Deposit == 0 {
		return errors.Wrap(ErrInsufficientDeposit, "zero deposit")
	}
	return nil
}
