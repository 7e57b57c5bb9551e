// Package params defines the process-wide Crosstown node configuration.
// The active config is initialized once at startup from flags and an
// optional YAML file, and treated as immutable afterwards.
package params

import (
	"time"
)

// PricingRow configures how events of a single kind are priced: a flat base
// price plus a per-byte price over the compact encoding.
type PricingRow struct {
	Kind    int    `yaml:"kind"`
	Base    uint64 `yaml:"base"`
	PerByte uint64 `yaml:"perByte"`
}

// KnownPeer is a genesis seed record pointing at another node's relay and
// BTP endpoint.
type KnownPeer struct {
	Pubkey      string `yaml:"pubkey"`
	RelayURL    string `yaml:"relayUrl"`
	BTPEndpoint string `yaml:"btpEndpoint"`
}

// NodeConfig contains every recognized Crosstown node option.
type NodeConfig struct {
	// Identity.
	NodeID            string
	PrivateKey        string // hex secp256k1 key used for event signing (Schnorr).
	ChannelPrivateKey string // hex secp256k1 key used for channel claims (ECDSA).
	ILPAddress        string

	// Listen addresses.
	RelayListenAddr string
	BLSHTTPAddr     string
	RelayURL        string // public URL of our own relay, announced to peers.

	// Connector.
	ConnectorMode string // "embedded" or "remote".
	ConnectorURL  string

	// Bootstrap.
	KnownPeers      []KnownPeer
	DiscoveryWindow time.Duration
	MinPeers        int

	// Pricing.
	PricingRows        []PricingRow
	DefaultPricing     PricingRow
	OwnerBypass        []string
	FreeHandshakeKinds []int

	// Settlement.
	SupportedChains     []string
	SettlementAddresses map[string]string // chain -> our on-chain address.
	PreferredTokens     map[string]string // chain -> token contract.
	TokenNetworks       map[string]string // chain -> TokenNetwork contract.
	ChannelDeposit      uint64

	// Timeouts.
	HandshakeTimeout   time.Duration
	PacketSendTimeout  time.Duration
	ChannelOpenTimeout time.Duration
	ShutdownTimeout    time.Duration

	// Store.
	DatabasePath string

	// Limits.
	SubSendBuffer  int
	MaxFilters     int
	MaxConnections int

	// Event admission.
	MaxClockSkew time.Duration
	DeletionKind int
}

// DefaultConfig returns the config every node starts from before flag and
// file overrides are applied.
func DefaultConfig() *NodeConfig {
	return &NodeConfig{
		ConnectorMode:      "embedded",
		RelayListenAddr:    "127.0.0.1:7447",
		BLSHTTPAddr:        "127.0.0.1:7448",
		DiscoveryWindow:    5 * time.Second,
		MinPeers:           1,
		DefaultPricing:     PricingRow{Base: 100, PerByte: 10},
		FreeHandshakeKinds: []int{23194, 23195},
		ChannelDeposit:     1000000,
		HandshakeTimeout:   10 * time.Second,
		PacketSendTimeout:  30 * time.Second,
		ChannelOpenTimeout: 60 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		SubSendBuffer:      256,
		MaxFilters:         16,
		MaxConnections:     1024,
		MaxClockSkew:       10 * time.Minute,
		DeletionKind:       5,
	}
}

// Copy returns a deep copy of the config object.
func (c *NodeConfig) Copy() *NodeConfig {
	out := *c
	out.KnownPeers = append([]KnownPeer(nil), c.KnownPeers...)
	out.PricingRows = append([]PricingRow(nil), c.PricingRows...)
	out.OwnerBypass = append([]string(nil), c.OwnerBypass...)
	out.FreeHandshakeKinds = append([]int(nil), c.FreeHandshakeKinds...)
	out.SupportedChains = append([]string(nil), c.SupportedChains...)
	out.SettlementAddresses = copyStringMap(c.SettlementAddresses)
	out.PreferredTokens = copyStringMap(c.PreferredTokens)
	out.TokenNetworks = copyStringMap(c.TokenNetworks)
	return &out
}

// PricingFor returns the pricing row for the given kind, falling back to the
// default row for unknown kinds.
func (c *NodeConfig) PricingFor(kind int) PricingRow {
	for _, row := range c.PricingRows {
		if row.Kind == kind {
			return row
		}
	}
	return c.DefaultPricing
}

// IsFreeHandshakeKind reports whether events of this kind are admitted at
// amount zero.
func (c *NodeConfig) IsFreeHandshakeKind(kind int) bool {
	for _, k := range c.FreeHandshakeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
