// Package pricing computes the admission price of a signed event: a
// per-kind base price plus a per-byte price over the compact encoding.
package pricing

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/core/event"
)

// Service prices events from the per-kind table configured at startup. The
// table is immutable once built.
type Service struct {
	rows        map[int]params.PricingRow
	defaultRow  params.PricingRow
	ownerBypass map[string]bool
	freeKinds   map[int]bool
}

// NewService builds a pricing service from the active node config.
func NewService(conf *params.NodeConfig) *Service {
	s := &Service{
		rows:        make(map[int]params.PricingRow, len(conf.PricingRows)),
		defaultRow:  conf.DefaultPricing,
		ownerBypass: make(map[string]bool, len(conf.OwnerBypass)),
		freeKinds:   make(map[int]bool, len(conf.FreeHandshakeKinds)),
	}
	for _, row := range conf.PricingRows {
		s.rows[row.Kind] = row
	}
	for _, pk := range conf.OwnerBypass {
		s.ownerBypass[pk] = true
	}
	for _, kind := range conf.FreeHandshakeKinds {
		s.freeKinds[kind] = true
	}
	return s
}

// Price returns the non-negative price for persisting the event. Owner
// bypass pubkeys and free handshake kinds price to zero. Structurally
// invalid events are rejected with ErrInvalidEvent.
func (s *Service) Price(ev *nostr.Event) (uint64, error) {
	enc, err := event.Encode(ev)
	if err != nil {
		return 0, errors.Wrap(event.ErrInvalidEvent, "unencodable event")
	}
	if s.ownerBypass[ev.PubKey] || s.freeKinds[ev.Kind] {
		return 0, nil
	}
	row, ok := s.rows[ev.Kind]
	if !ok {
		row = s.defaultRow
	}
	return row.Base + row.PerByte*uint64(len(enc)), nil
}

// IsFreeHandshakeKind reports whether the kind is admitted at amount zero.
func (s *Service) IsFreeHandshakeKind(kind int) bool {
	return s.freeKinds[kind]
}
