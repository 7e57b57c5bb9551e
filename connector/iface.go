// Package connector abstracts the ILP packet router the node drives:
// either an in-process connector object or a remote connector reached over
// its admin HTTP surface. Consumers hold the Runtime, Admin and Channel
// interfaces and never branch on which adapter backs them.
package connector

import (
	"context"

	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/core/ilp"
)

// Adapter errors. Both adapters surface failures through these sentinels so
// callers can branch without knowing the transport.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPeerUnreachable     = errors.New("peer unreachable")
	ErrInsufficientDeposit = errors.New("insufficient deposit")
	ErrTimeout             = errors.New("timeout")
	ErrInternal            = errors.New("internal connector error")
)

// Wire error codes used by the remote admin surface.
const (
	codeInvalidArgument     = "invalid-argument"
	codePeerUnreachable     = "peer-unreachable"
	codeInsufficientDeposit = "insufficient-deposit"
	codeTimeout             = "timeout"
	codeInternal            = "internal"
)

// errForCode maps a structured error code from the remote connector onto the
// shared sentinel set. Unknown codes degrade to ErrInternal.
func errForCode(code, message string) error {
	var sentinel error
	switch code {
	case codeInvalidArgument:
		sentinel = ErrInvalidArgument
	case codePeerUnreachable:
		sentinel = ErrPeerUnreachable
	case codeInsufficientDeposit:
		sentinel = ErrInsufficientDeposit
	case codeTimeout:
		sentinel = ErrTimeout
	default:
		sentinel = ErrInternal
	}
	if message == "" {
		return sentinel
	}
	return errors.Wrap(sentinel, message)
}

// Route announces that packets whose destination carries the prefix should
// be forwarded to the peer owning the route.
type Route struct {
	Prefix   string `json:"prefix"`
	Priority int    `json:"priority"`
}

// PeerConfig registers a peer with the connector.
type PeerConfig struct {
	PeerID    string  `json:"peerId"`
	URL       string  `json:"url"` // BTP endpoint.
	AuthToken string  `json:"authToken"`
	Routes    []Route `json:"routes"`
}

// OpenChannelParams asks the connector to open an on-chain payment channel
// with a registered peer.
type OpenChannelParams struct {
	PeerID      string `json:"peerId"`
	Chain       string `json:"chain"`
	Token       string `json:"token,omitempty"`
	PeerAddress string `json:"peerAddress"`
	Deposit     uint64 `json:"initialDeposit"`
}

// Runtime sends packets through the connector's routing table.
type Runtime interface {
	SendILPPacket(ctx context.Context, req *ilp.PacketRequest) (*ilp.PacketResponse, error)
}

// Admin manages the connector's peer table. AddPeer is idempotent: re-adding
// a peer with the same config leaves the connector unchanged.
type Admin interface {
	AddPeer(ctx context.Context, p *PeerConfig) error
	RemovePeer(ctx context.Context, peerID string) error
}

// Channel opens payment channels and reads their state.
type Channel interface {
	OpenChannel(ctx context.Context, params *OpenChannelParams) (channelID string, err error)
	ChannelState(ctx context.Context, channelID string) (string, error)
}

// Adapter is the full capability set the node needs from a connector.
type Adapter interface {
	Runtime
	Admin
	Channel
}

// PacketHandler consumes an inbound packet destined for the local node and
// decides accept or reject. The business logic server implements this; the
// embedded connector calls it directly and the remote connector reaches it
// through the BLS HTTP server.
type PacketHandler func(ctx context.Context, req *ilp.PacketRequest) *ilp.PacketResponse
