package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/ilp"
	"github.com/crosstown-labs/crosstown/core/peers"
)

// announceAll publishes our peer-info to every handshaken peer as a paid
// packet. Send attempts that exhaust their one repricing retry are recorded
// on the peer and skipped.
func (s *Service) announceAll(ctx context.Context) {
	ev, err := s.buildAnnounce()
	if err != nil {
		log.WithError(err).Error("Could not build peer-info announce")
		return
	}
	for _, p := range s.snapshotPeers() {
		if ctx.Err() != nil {
			return
		}
		if !p.handshaken {
			continue
		}
		if err := s.announcePeer(ctx, p, ev); err != nil {
			p.lastErr = err
			log.WithError(err).WithField("peer", p.pubkey).Warn("Could not announce to peer")
			continue
		}
		p.announced = true
		s.statusFeed.Send(&StatusEvent{Type: EventAnnounced, Phase: s.Phase(), Peer: p.pubkey})
	}
}

// buildAnnounce signs our own kind-10032 peer-info event.
func (s *Service) buildAnnounce() (*announcePacket, error) {
	content, err := json.Marshal(&peers.PeerInfo{
		ILPAddress:          s.cfg.Node.ILPAddress,
		BTPEndpoint:         s.btpEndpoint(),
		SupportedChains:     s.cfg.Node.SupportedChains,
		SettlementAddresses: s.cfg.Node.SettlementAddresses,
		PreferredTokens:     s.cfg.Node.PreferredTokens,
		TokenNetworks:       s.cfg.Node.TokenNetworks,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal peer info")
	}
	ev, err := s.signEvent(event.KindPeerInfo, string(content), nil)
	if err != nil {
		return nil, err
	}
	enc, err := event.Encode(ev)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode peer info")
	}
	// Our own pricing policy is the best available proxy for what the peer
	// will charge.
	price, err := s.cfg.Pricer.Price(ev)
	if err != nil {
		return nil, err
	}
	return &announcePacket{data: base64.StdEncoding.EncodeToString(enc), price: price}, nil
}

type announcePacket struct {
	data  string
	price uint64
}

// announcePeer sends the announce, retrying exactly once with the amount the
// peer demands if it rejects with an insufficient-amount code.
func (s *Service) announcePeer(ctx context.Context, p *peerState, packet *announcePacket) error {
	resp, err := s.sendAnnounce(ctx, p, packet.data, packet.price)
	if err != nil {
		return err
	}
	if resp.Accept {
		return nil
	}
	if resp.Code != ilp.CodeInsufficientAmount || resp.Required == "" {
		return errors.Errorf("announce rejected: %s %s", resp.Code, resp.Message)
	}
	required, err := strconv.ParseUint(resp.Required, 10, 64)
	if err != nil {
		return errors.Wrap(err, "unparseable required amount")
	}
	resp, err = s.sendAnnounce(ctx, p, packet.data, required)
	if err != nil {
		return err
	}
	if !resp.Accept {
		return errors.Errorf("announce rejected after repricing: %s %s", resp.Code, resp.Message)
	}
	return nil
}

func (s *Service) sendAnnounce(ctx context.Context, p *peerState, data string, amount uint64) (*ilp.PacketResponse, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Node.PacketSendTimeout)
	defer cancel()
	return s.cfg.Runtime.SendILPPacket(sendCtx, &ilp.PacketRequest{
		Destination: p.info.ILPAddress,
		Amount:      amount,
		Data:        data,
	})
}

// btpEndpoint is the BTP endpoint we announce for ourselves. Not every
// deployment exposes one; embedded-connector nodes announce their relay URL
// instead so peers can at least find the gossip surface.
func (s *Service) btpEndpoint() string {
	if s.cfg.Node.ConnectorURL != "" {
		return s.cfg.Node.ConnectorURL
	}
	return s.cfg.Node.RelayURL
}
