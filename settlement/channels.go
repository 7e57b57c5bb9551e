// Package settlement tracks bilateral payment channels and produces the
// signed off-chain claims used to settle them later on-chain.
package settlement

import (
	"github.com/pkg/errors"
)

// ChannelState mirrors the on-chain lifecycle of a payment channel.
type ChannelState string

// Channel states.
const (
	ChannelOpening ChannelState = "opening"
	ChannelOpen    ChannelState = "open"
	ChannelClosed  ChannelState = "closed"
	ChannelSettled ChannelState = "settled"
)

// ErrUnknownChannel is returned for operations on channels the node has not
// registered.
var ErrUnknownChannel = errors.New("unknown channel")

// Channel is the node's view of one payment channel. Records are mutated
// only through the service, which reflects adapter callbacks.
type Channel struct {
	ID           [32]byte
	Chain        string
	PeerAddress  string
	LocalAddress string
	TokenAddress string
	Deposit      uint64
	State        ChannelState
}

// RegisterChannel adds a channel to the table, overwriting any previous
// record with the same id.
func (s *Service) RegisterChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ch
	s.channels[ch.ID] = &copied
}

// SetChannelState updates the recorded state of a channel.
func (s *Service) SetChannelState(id [32]byte, state ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return ErrUnknownChannel
	}
	ch.State = state
	return nil
}

// Channel returns a copy of the channel record.
func (s *Service) Channel(id [32]byte) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, false
	}
	copied := *ch
	return &copied, true
}
