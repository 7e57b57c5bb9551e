package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/connector"
	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/feed"
	"github.com/crosstown-labs/crosstown/core/ilp"
	"github.com/crosstown-labs/crosstown/core/peers"
	"github.com/crosstown-labs/crosstown/db/iface"
)

// Responder answers inbound settlement handshake requests: every kind-23194
// event that lands in the local store gets a signed kind-23195 reply sent
// back to the requester as a zero-amount packet.
type Responder struct {
	node    *params.NodeConfig
	db      iface.Database
	runtime connector.Runtime
	pubkey  string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResponder builds the handshake responder.
func NewResponder(ctx context.Context, node *params.NodeConfig, db iface.Database, runtime connector.Runtime) (*Responder, error) {
	pubkey, err := nostr.GetPublicKey(node.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid node private key")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Responder{
		node:    node,
		db:      db,
		runtime: runtime,
		pubkey:  pubkey,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start begins answering handshake requests in the background.
func (r *Responder) Start() {
	go r.loop()
}

// Stop halts the responder.
func (r *Responder) Stop() error {
	r.cancel()
	<-r.done
	return nil
}

// Status always reports healthy; a dead feed subscription ends the process
// anyway.
func (r *Responder) Status() error {
	return nil
}

func (r *Responder) loop() {
	defer close(r.done)
	ch := make(chan *feed.Event, 16)
	sub := r.db.StoredFeed().Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case n := <-ch:
			if n.Type != feed.EventStored {
				continue
			}
			data, ok := n.Data.(*feed.StoredData)
			if !ok || data.Event == nil || data.Event.Event.Kind != event.KindHandshakeRequest {
				continue
			}
			if err := r.respond(data.Event.Event); err != nil {
				log.WithError(err).WithField("requester", data.Event.Event.PubKey).Warn("Could not answer handshake request")
			}
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Store feed subscription failed")
			}
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Responder) respond(req *nostr.Event) error {
	if req.PubKey == r.pubkey {
		return nil
	}
	payload, err := peers.OpenHandshake(req.Content, req.PubKey, r.node.PrivateKey)
	if err != nil {
		return errors.Wrap(err, "could not open handshake request")
	}
	hs := &peers.HandshakeRequest{}
	if err := json.Unmarshal(payload, hs); err != nil {
		return errors.Wrap(err, "could not parse handshake request")
	}
	if hs.ILPAddress == "" {
		return errors.New("handshake request carries no return address")
	}
	content, err := json.Marshal(&peers.HandshakeResponse{
		RequestID:           hs.RequestID,
		SupportedChains:     r.node.SupportedChains,
		SettlementAddresses: r.node.SettlementAddresses,
		PreferredTokens:     r.node.PreferredTokens,
		TokenNetworks:       r.node.TokenNetworks,
	})
	if err != nil {
		return errors.Wrap(err, "could not marshal handshake response")
	}
	sealed, err := peers.SealHandshake(content, req.PubKey, r.node.PrivateKey)
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		PubKey:    r.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      event.KindHandshakeResponse,
		Tags:      nostr.Tags{{"p", req.PubKey}},
		Content:   sealed,
	}
	if err := ev.Sign(r.node.PrivateKey); err != nil {
		return errors.Wrap(err, "could not sign handshake response")
	}
	enc, err := event.Encode(ev)
	if err != nil {
		return errors.Wrap(err, "could not encode handshake response")
	}
	sendCtx, cancel := context.WithTimeout(r.ctx, r.node.PacketSendTimeout)
	defer cancel()
	resp, err := r.runtime.SendILPPacket(sendCtx, &ilp.PacketRequest{
		Destination: hs.ILPAddress,
		Amount:      0,
		Data:        base64.StdEncoding.EncodeToString(enc),
	})
	if err != nil {
		return err
	}
	if !resp.Accept {
		return errors.Errorf("handshake response rejected: %s %s", resp.Code, resp.Message)
	}
	log.WithField("requester", req.PubKey).Info("Answered handshake request")
	return nil
}
