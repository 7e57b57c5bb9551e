package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/connector"
	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/feed"
	"github.com/crosstown-labs/crosstown/core/ilp"
	"github.com/crosstown-labs/crosstown/core/peers"
	"github.com/crosstown-labs/crosstown/settlement"
)

// handshakeAll runs the settlement handshake against every registered peer
// in turn. Individual failures are recorded on the peer; the count of
// completed handshakes is returned.
func (s *Service) handshakeAll(ctx context.Context) int {
	handshaken := 0
	for _, p := range s.snapshotPeers() {
		if ctx.Err() != nil {
			return handshaken
		}
		if !p.registered {
			continue
		}
		if err := s.handshakePeer(ctx, p); err != nil {
			p.lastErr = err
			log.WithError(err).WithField("peer", p.pubkey).Warn("Settlement handshake failed")
			continue
		}
		handshaken++
	}
	return handshaken
}

// handshakePeer sends a kind-23194 request as a zero-amount packet, waits on
// the local store feed for the kind-23195 response, picks a mutually
// supported chain and opens a payment channel on it.
func (s *Service) handshakePeer(ctx context.Context, p *peerState) error {
	if p.info == nil || p.info.ILPAddress == "" {
		return errors.New("peer has no ilp address")
	}
	requestID := uuid.New().String()
	payload, err := json.Marshal(&peers.HandshakeRequest{
		RequestID:           requestID,
		ILPAddress:          s.cfg.Node.ILPAddress,
		SupportedChains:     s.cfg.Node.SupportedChains,
		SettlementAddresses: s.cfg.Node.SettlementAddresses,
		PreferredTokens:     s.cfg.Node.PreferredTokens,
	})
	if err != nil {
		return errors.Wrap(err, "could not marshal handshake request")
	}
	sealed, err := peers.SealHandshake(payload, p.pubkey, s.cfg.Node.PrivateKey)
	if err != nil {
		return err
	}
	ev, err := s.signEvent(event.KindHandshakeRequest, sealed, nostr.Tags{{"p", p.pubkey}})
	if err != nil {
		return err
	}
	enc, err := event.Encode(ev)
	if err != nil {
		return errors.Wrap(err, "could not encode handshake request")
	}

	// Subscribe before sending so the response cannot slip past us.
	ch := make(chan *feed.Event, 16)
	sub := s.cfg.DB.StoredFeed().Subscribe(ch)
	defer sub.Unsubscribe()

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Node.PacketSendTimeout)
	resp, err := s.cfg.Runtime.SendILPPacket(sendCtx, &ilp.PacketRequest{
		Destination: p.info.ILPAddress,
		Amount:      0,
		Data:        base64.StdEncoding.EncodeToString(enc),
	})
	cancel()
	if err != nil {
		return errors.Wrap(err, "could not send handshake request")
	}
	if !resp.Accept {
		return errors.Errorf("handshake request rejected: %s %s", resp.Code, resp.Message)
	}

	hs, err := s.awaitHandshakeResponse(ctx, ch, sub.Err(), requestID)
	if err != nil {
		return err
	}
	return s.openChannelFor(ctx, p, hs)
}

func (s *Service) awaitHandshakeResponse(ctx context.Context, ch <-chan *feed.Event, subErr <-chan error, requestID string) (*peers.HandshakeResponse, error) {
	timeout := s.cfg.Node.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case n := <-ch:
			if n.Type != feed.EventStored {
				continue
			}
			data, ok := n.Data.(*feed.StoredData)
			if !ok || data.Event == nil || data.Event.Event.Kind != event.KindHandshakeResponse {
				continue
			}
			payload, err := peers.OpenHandshake(data.Event.Event.Content, data.Event.Event.PubKey, s.cfg.Node.PrivateKey)
			if err != nil {
				continue
			}
			hs := &peers.HandshakeResponse{}
			if err := json.Unmarshal(payload, hs); err != nil {
				continue
			}
			if hs.RequestID != requestID {
				continue
			}
			return hs, nil
		case err := <-subErr:
			return nil, errors.Wrap(err, "store feed subscription failed")
		case <-deadline.C:
			return nil, errors.New("timed out waiting for handshake response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// openChannelFor picks the first chain in our preference list the peer also
// supports and opens a channel on it.
func (s *Service) openChannelFor(ctx context.Context, p *peerState, hs *peers.HandshakeResponse) error {
	common := peers.IntersectChains(s.cfg.Node.SupportedChains, hs.SupportedChains)
	if len(common) == 0 {
		return errors.New("no mutually supported settlement chain")
	}
	chain := common[0]
	peerAddress := hs.SettlementAddresses[chain]
	if peerAddress == "" {
		return errors.Errorf("peer offered no settlement address on %s", chain)
	}
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.Node.ChannelOpenTimeout)
	defer cancel()
	channelID, err := s.cfg.Channel.OpenChannel(openCtx, &connector.OpenChannelParams{
		PeerID:      p.pubkey,
		Chain:       chain,
		Token:       hs.PreferredTokens[chain],
		PeerAddress: peerAddress,
		Deposit:     s.cfg.Node.ChannelDeposit,
	})
	if err != nil {
		return errors.Wrap(err, "could not open channel")
	}
	p.channelID = channelID
	p.handshaken = true

	// Mirror the channel into the claims table so packets can carry claims
	// on it right away.
	if s.cfg.Settlement != nil {
		s.cfg.Settlement.RegisterChannel(&settlement.Channel{
			ID:          settlementChannelID(channelID),
			Chain:       chain,
			PeerAddress: peerAddress,
			Deposit:     s.cfg.Node.ChannelDeposit,
			State:       settlement.ChannelOpen,
		})
	}
	s.statusFeed.Send(&StatusEvent{Type: EventChannelOpened, Phase: s.Phase(), Peer: p.pubkey})
	return nil
}

// settlementChannelID derives the fixed-width claim channel id from the
// connector's string id.
func settlementChannelID(id string) [32]byte {
	return sha256.Sum256([]byte(id))
}

func (s *Service) signEvent(kind int, content string, tags nostr.Tags) (*nostr.Event, error) {
	ev := &nostr.Event{
		PubKey:    s.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(s.cfg.Node.PrivateKey); err != nil {
		return nil, errors.Wrap(err, "could not sign event")
	}
	return ev, nil
}
