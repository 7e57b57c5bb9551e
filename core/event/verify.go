package event

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
)

// ErrInvalidEvent covers every structural failure of a signed event:
// id mismatch, bad signature, malformed encoding, or a created_at outside
// the ingress acceptance window.
var ErrInvalidEvent = errors.New("invalid event")

// Verify checks that the event id matches the canonical serialization hash
// and that the Schnorr signature verifies against the author pubkey.
func Verify(ev *nostr.Event) error {
	if ev == nil {
		return errors.Wrap(ErrInvalidEvent, "nil event")
	}
	if ev.GetID() != ev.ID {
		return errors.Wrap(ErrInvalidEvent, "id does not match serialization")
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return errors.Wrapf(ErrInvalidEvent, "signature check: %v", err)
	}
	if !ok {
		return errors.Wrap(ErrInvalidEvent, "signature does not verify")
	}
	return nil
}

// VerifyIngress runs Verify plus the ingress clock-skew check: created_at
// must be within maxSkew of the local clock.
func VerifyIngress(ev *nostr.Event, maxSkew time.Duration) error {
	if err := Verify(ev); err != nil {
		return err
	}
	now := time.Now()
	created := ev.CreatedAt.Time()
	if created.After(now.Add(maxSkew)) || created.Before(now.Add(-maxSkew)) {
		return errors.Wrap(ErrInvalidEvent, "created_at outside acceptance window")
	}
	return nil
}

// Stored is a signed event plus the time the local node accepted it.
type Stored struct {
	Event      *nostr.Event
	ReceivedAt int64
}
