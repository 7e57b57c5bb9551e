// Package peers defines the peer records exchanged on the discovery fabric:
// the kind-10032 peer-info announce payload and the handshake
// request/response payloads carried on the data plane.
package peers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/pkg/errors"
)

// PeerInfo is the payload of a kind-10032 peer-info announce. It is carried
// as JSON in the event content.
type PeerInfo struct {
	ILPAddress          string            `json:"ilpAddress"`
	BTPEndpoint         string            `json:"btpEndpoint"`
	AssetCode           string            `json:"assetCode"`
	AssetScale          int               `json:"assetScale"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses"`
	PreferredTokens     map[string]string `json:"preferredTokens"`
	TokenNetworks       map[string]string `json:"tokenNetworks"`
}

// DiscoveredPeer is a peer-info announce observed on some relay.
type DiscoveredPeer struct {
	Pubkey       string
	Info         *PeerInfo
	DiscoveredAt time.Time
}

// HandshakeRequest is the payload of a kind-23194 settlement handshake
// request: the chains and addresses the requester can settle on.
type HandshakeRequest struct {
	RequestID string `json:"requestId"`
	// ILPAddress is where the responder should send the kind-23195 reply.
	ILPAddress          string            `json:"ilpAddress"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses"`
	PreferredTokens     map[string]string `json:"preferredTokens"`
}

// HandshakeResponse is the payload of a kind-23195 settlement handshake
// response.
type HandshakeResponse struct {
	RequestID           string            `json:"requestId"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses"`
	PreferredTokens     map[string]string `json:"preferredTokens"`
	TokenNetworks       map[string]string `json:"tokenNetworks"`
}

// SealHandshake encrypts a handshake payload to the recipient with the
// NIP-04 shared secret.
func SealHandshake(payload []byte, recipientPubkey, senderPrivkey string) (string, error) {
	key, err := nip04.ComputeSharedSecret(recipientPubkey, senderPrivkey)
	if err != nil {
		return "", errors.Wrap(err, "could not compute shared secret")
	}
	sealed, err := nip04.Encrypt(string(payload), key)
	if err != nil {
		return "", errors.Wrap(err, "could not seal handshake payload")
	}
	return sealed, nil
}

// OpenHandshake recovers a handshake payload from event content. Sealed
// content is decrypted with the NIP-04 shared secret; plaintext content is
// returned as-is so peers that do not seal still interoperate.
func OpenHandshake(content, senderPubkey, recipientPrivkey string) ([]byte, error) {
	if !strings.Contains(content, "?iv=") {
		return []byte(content), nil
	}
	key, err := nip04.ComputeSharedSecret(senderPubkey, recipientPrivkey)
	if err != nil {
		return nil, errors.Wrap(err, "could not compute shared secret")
	}
	plain, err := nip04.Decrypt(content, key)
	if err != nil {
		return nil, errors.Wrap(err, "could not open handshake payload")
	}
	return []byte(plain), nil
}

// ParsePeerInfo decodes the content of a peer-info event.
func ParsePeerInfo(ev *nostr.Event) (*PeerInfo, error) {
	info := &PeerInfo{}
	if err := json.Unmarshal([]byte(ev.Content), info); err != nil {
		return nil, errors.Wrap(err, "could not parse peer info content")
	}
	if info.ILPAddress == "" {
		return nil, errors.New("peer info missing ilpAddress")
	}
	return info, nil
}

// IntersectChains returns our preference-ordered chains also supported by
// the peer.
func IntersectChains(ours, theirs []string) []string {
	theirSet := make(map[string]bool, len(theirs))
	for _, c := range theirs {
		theirSet[c] = true
	}
	var out []string
	for _, c := range ours {
		if theirSet[c] {
			out = append(out, c)
		}
	}
	return out
}
