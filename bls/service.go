// Package bls implements the business logic server: the acceptance test
// every inbound packet runs through before its event is persisted. The
// handler is exposed twice — as an in-process function for the embedded
// connector and over HTTP for a remote one — and both paths produce
// bit-identical responses.
package bls

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/crosstown-labs/crosstown/core/event"
	"github.com/crosstown-labs/crosstown/core/ilp"
	"github.com/crosstown-labs/crosstown/db/iface"
	"github.com/crosstown-labs/crosstown/pricing"
	"github.com/crosstown-labs/crosstown/settlement"
)

// Config groups the collaborators the handler needs. The store writer is
// injected here; the store never calls back into this package.
type Config struct {
	Store        iface.Database
	Pricer       *pricing.Service
	Settlement   *settlement.Service
	MaxClockSkew time.Duration
	DeletionKind int
}

// Service decides accept or reject for each packet.
type Service struct {
	cfg *Config
}

// NewService builds the packet handler.
func NewService(cfg *Config) *Service {
	return &Service{cfg: cfg}
}

// HandlePacket runs the admission pipeline: decode, verify, observe any
// claim sidecar, price, persist, fulfill. It never returns an error — every
// failure becomes a typed rejection so the connector can relay it as-is.
func (s *Service) HandlePacket(ctx context.Context, req *ilp.PacketRequest) *ilp.PacketResponse {
	if req == nil || req.Data == "" {
		packetsRejected.WithLabelValues(ilp.CodeBadRequest).Inc()
		return ilp.Reject(ilp.CodeBadRequest, "invalid data")
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		packetsRejected.WithLabelValues(ilp.CodeBadRequest).Inc()
		return ilp.Reject(ilp.CodeBadRequest, "invalid data")
	}
	ev, claim, err := event.Decode(raw)
	if err != nil {
		packetsRejected.WithLabelValues(ilp.CodeBadRequest).Inc()
		return ilp.Reject(ilp.CodeBadRequest, "invalid event encoding")
	}
	if err := event.VerifyIngress(ev, s.cfg.MaxClockSkew); err != nil {
		packetsRejected.WithLabelValues(ilp.CodeBadRequest).Inc()
		return ilp.Reject(ilp.CodeBadRequest, "invalid signature")
	}
	// A claim sidecar is validated up front but only committed to the
	// latest-claim table once the packet is accepted, so rejected packets
	// stay fully effect-free.
	if claim != nil {
		if err := s.cfg.Settlement.CheckClaim(claim); err != nil {
			log.WithError(err).WithField("eventId", ev.ID).Debug("Rejecting packet with bad claim")
			packetsRejected.WithLabelValues(ilp.CodeBadRequest).Inc()
			return ilp.Reject(ilp.CodeBadRequest, "stale claim")
		}
	}
	price, err := s.cfg.Pricer.Price(ev)
	if err != nil {
		packetsRejected.WithLabelValues(ilp.CodeBadRequest).Inc()
		return ilp.Reject(ilp.CodeBadRequest, "invalid event")
	}
	if price > req.Amount {
		packetsRejected.WithLabelValues(ilp.CodeInsufficientAmount).Inc()
		resp := ilp.Reject(ilp.CodeInsufficientAmount, "insufficient amount")
		resp.Required = strconv.FormatUint(price, 10)
		resp.Received = strconv.FormatUint(req.Amount, 10)
		return resp
	}
	if _, err := s.cfg.Store.SaveEvent(ctx, ev); err != nil {
		log.WithError(err).WithField("eventId", ev.ID).Error("Could not persist event")
		packetsRejected.WithLabelValues(ilp.CodeInternal).Inc()
		return ilp.Reject(ilp.CodeInternal, "internal")
	}
	if claim != nil {
		if _, err := s.cfg.Settlement.ObserveClaim(claim); err != nil {
			// A concurrent packet advanced the channel past this claim
			// between the check and the record; the table keeps the newer
			// claim either way.
			log.WithError(err).WithField("eventId", ev.ID).Debug("Claim superseded before recording")
		}
	}
	if s.cfg.DeletionKind != 0 && ev.Kind == s.cfg.DeletionKind {
		deleted, err := s.cfg.Store.ApplyDeletionRequest(ctx, ev)
		if err != nil {
			log.WithError(err).WithField("eventId", ev.ID).Error("Could not apply deletion request")
		} else if len(deleted) > 0 {
			log.WithField("count", len(deleted)).Debug("Applied deletion request")
		}
	}
	fulfillment := sha256.Sum256([]byte(ev.ID))
	packetsAccepted.Inc()
	return &ilp.PacketResponse{
		Accept:      true,
		Fulfillment: fulfillment[:],
		Metadata: map[string]string{
			"eventId":  ev.ID,
			"storedAt": strconv.FormatInt(time.Now().Unix(), 10),
		},
	}
}
