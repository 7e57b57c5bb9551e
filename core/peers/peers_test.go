package peers

import (
	"encoding/json"
	"testing"

	"github.com/crosstown-labs/crosstown/testing/assert"
	"github.com/crosstown-labs/crosstown/testing/require"
	"github.com/crosstown-labs/crosstown/testing/util"
)

func TestSealOpenHandshake_RoundTrip(t *testing.T) {
	senderSK, senderPK := util.NewKeypair(t)
	recipientSK, recipientPK := util.NewKeypair(t)

	payload, err := json.Marshal(&HandshakeRequest{RequestID: "req-1", ILPAddress: "g.crosstown.a"})
	require.NoError(t, err)

	sealed, err := SealHandshake(payload, recipientPK, senderSK)
	require.NoError(t, err)
	assert.NotEqual(t, string(payload), sealed)

	opened, err := OpenHandshake(sealed, senderPK, recipientSK)
	require.NoError(t, err)
	assert.DeepEqual(t, payload, opened)
}

func TestOpenHandshake_PassesThroughPlaintext(t *testing.T) {
	_, senderPK := util.NewKeypair(t)
	recipientSK, _ := util.NewKeypair(t)

	opened, err := OpenHandshake(`{"requestId":"req-2"}`, senderPK, recipientSK)
	require.NoError(t, err)
	assert.Equal(t, `{"requestId":"req-2"}`, string(opened))
}

func TestIntersectChains(t *testing.T) {
	got := IntersectChains([]string{"gnosis", "base", "optimism"}, []string{"base", "gnosis"})
	assert.DeepEqual(t, []string{"gnosis", "base"}, got)

	assert.DeepEqual(t, []string(nil), IntersectChains([]string{"gnosis"}, []string{"base"}))
}
