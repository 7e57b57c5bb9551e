package settlement

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// ErrStaleClaim is returned when a claim does not advance the nonce for its
// (channel, signer) pair.
var ErrStaleClaim = errors.New("stale claim")

// SignedClaim is an off-chain balance proof: a strictly ordered statement
// (channelId, nonce, amount) signed by one channel participant. Nonce and
// amount are non-decreasing per (channelId, signer).
type SignedClaim struct {
	ChannelID [32]byte
	Nonce     uint64
	Amount    uint64
	Signature []byte
}

type claimJSON struct {
	ChannelID string `json:"channelId"`
	Nonce     uint64 `json:"nonce"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// MarshalJSON encodes the claim in its wire form: hex channel id, decimal
// string amount, hex signature.
func (c *SignedClaim) MarshalJSON() ([]byte, error) {
	return json.Marshal(&claimJSON{
		ChannelID: hex.EncodeToString(c.ChannelID[:]),
		Nonce:     c.Nonce,
		Amount:    strconv.FormatUint(c.Amount, 10),
		Signature: hex.EncodeToString(c.Signature),
	})
}

// UnmarshalJSON decodes the wire form of a claim.
func (c *SignedClaim) UnmarshalJSON(data []byte) error {
	raw := &claimJSON{}
	if err := json.Unmarshal(data, raw); err != nil {
		return err
	}
	chanID, err := hex.DecodeString(raw.ChannelID)
	if err != nil {
		return errors.Wrap(err, "invalid channel id")
	}
	if len(chanID) != 32 {
		return errors.Errorf("invalid channel id length %d", len(chanID))
	}
	amount, err := strconv.ParseUint(raw.Amount, 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid amount")
	}
	sig, err := hex.DecodeString(raw.Signature)
	if err != nil {
		return errors.Wrap(err, "invalid signature")
	}
	copy(c.ChannelID[:], chanID)
	c.Nonce = raw.Nonce
	c.Amount = amount
	c.Signature = sig
	return nil
}
