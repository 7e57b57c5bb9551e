package event

import (
	"testing"

	"github.com/crosstown-labs/crosstown/settlement"
	"github.com/crosstown-labs/crosstown/testing/assert"
	"github.com/crosstown-labs/crosstown/testing/require"
	"github.com/crosstown-labs/crosstown/testing/util"
	"github.com/nbd-wtf/go-nostr"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	sk, _ := util.NewKeypair(t)
	tests := []struct {
		name    string
		kind    int
		content string
		tags    nostr.Tags
	}{
		{name: "plain note", kind: KindTextNote, content: "hi"},
		{name: "empty content", kind: KindTextNote, content: ""},
		{
			name:    "peer info with tags",
			kind:    KindPeerInfo,
			content: `{"ilpAddress":"g.crosstown.a"}`,
			tags:    nostr.Tags{{"d", "peer"}, {"p", "ab", "relay-hint"}},
		},
		{
			name:    "unicode and empty tag elements",
			kind:    30023,
			content: "héllo\x00wörld",
			tags:    nostr.Tags{{"d", ""}, {"t"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := util.SignedEvent(t, sk, tt.kind, tt.content, tt.tags)
			enc, err := Encode(ev)
			require.NoError(t, err)

			// Deterministic.
			enc2, err := Encode(ev)
			require.NoError(t, err)
			assert.DeepEqual(t, enc, enc2)

			dec, claim, err := Decode(enc)
			require.NoError(t, err)
			require.Equal(t, (*settlement.SignedClaim)(nil), claim)
			assert.DeepEqual(t, ev, dec)
			require.NoError(t, Verify(dec))
		})
	}
}

func TestEncodeDecode_ClaimEnvelope(t *testing.T) {
	sk, _ := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, KindTextNote, "paid", nil)
	claim := &settlement.SignedClaim{
		Nonce:     7,
		Amount:    500,
		Signature: []byte{0xaa, 0xbb, 0xcc},
	}
	claim.ChannelID[0] = 0xfe

	enc, err := EncodeWithClaim(ev, claim)
	require.NoError(t, err)

	dec, decClaim, err := Decode(enc)
	require.NoError(t, err)
	assert.DeepEqual(t, ev, dec)
	require.NotNil(t, decClaim)
	assert.DeepEqual(t, claim, decClaim)
}

func TestDecode_RejectsStructuralViolations(t *testing.T) {
	sk, _ := util.NewKeypair(t)
	ev := util.SignedEvent(t, sk, KindTextNote, "hi", nil)
	valid, err := Encode(ev)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "unknown format byte", data: []byte{0x09, 0x00}},
		{name: "truncated id", data: valid[:10]},
		{name: "truncated sig", data: valid[:len(valid)-4]},
		{name: "trailing bytes", data: append(append([]byte{}, valid...), 0x00)},
		{name: "envelope with no claim", data: []byte{formatEnvelope, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			require.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestEncode_RejectsBadHexFields(t *testing.T) {
	ev := &nostr.Event{
		ID:     "zz",
		PubKey: "aa",
		Kind:   KindTextNote,
		Sig:    "bb",
	}
	_, err := Encode(ev)
	require.ErrorIs(t, err, ErrInvalidEvent)
}
