// Package util contains test helpers for constructing signed events and
// keys shared across package tests.
package util

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

// NewKeypair generates a fresh secp256k1 keypair for event signing.
func NewKeypair(t testing.TB) (sk, pk string) {
	t.Helper()
	sk = nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("could not derive public key: %v", err)
	}
	return sk, pk
}

// SignedEvent builds and signs an event with the given private key.
func SignedEvent(t testing.TB, sk string, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	return SignedEventAt(t, sk, kind, content, tags, nostr.Now())
}

// SignedEventAt builds and signs an event with an explicit created_at.
func SignedEventAt(t testing.TB, sk string, kind int, content string, tags nostr.Tags, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	if tags == nil {
		tags = nostr.Tags{}
	}
	ev := &nostr.Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("could not sign event: %v", err)
	}
	return ev
}
