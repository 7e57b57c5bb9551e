package params

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// fileConfig mirrors the recognized YAML config file layout. Durations are
// carried as milliseconds on disk.
type fileConfig struct {
	NodeID            string `yaml:"nodeId"`
	PrivateKey        string `yaml:"privateKey"`
	ChannelPrivateKey string `yaml:"channelPrivateKey"`
	ILPAddress        string `yaml:"ilpAddress"`
	ListenAddr        string `yaml:"listenAddr"`
	BLSHTTPAddr       string `yaml:"blsHttpAddr"`
	RelayURL          string `yaml:"relayUrl"`
	ConnectorMode     string `yaml:"connectorMode"`
	ConnectorURL      string `yaml:"connectorUrl"`
	Bootstrap         struct {
		KnownPeers        []KnownPeer `yaml:"knownPeers"`
		DiscoveryWindowMs int64       `yaml:"discoveryWindowMs"`
		MinPeers          int         `yaml:"minPeers"`
	} `yaml:"bootstrap"`
	Pricing struct {
		KindRows    []PricingRow `yaml:"kindRows"`
		Default     *PricingRow  `yaml:"default"`
		OwnerBypass []string     `yaml:"ownerBypass"`
	} `yaml:"pricing"`
	Settlement struct {
		SupportedChains      []string          `yaml:"supportedChains"`
		Addresses            map[string]string `yaml:"addresses"`
		Tokens               map[string]string `yaml:"tokens"`
		TokenNetworks        map[string]string `yaml:"tokenNetworks"`
		Deposit              uint64            `yaml:"deposit"`
		HandshakeTimeoutMs   int64             `yaml:"handshakeTimeoutMs"`
		ChannelOpenTimeoutMs int64             `yaml:"channelOpenTimeoutMs"`
		PacketSendTimeoutMs  int64             `yaml:"packetSendTimeoutMs"`
	} `yaml:"settlement"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Limits struct {
		SubSendBuffer  int `yaml:"subSendBuffer"`
		MaxFilters     int `yaml:"maxFilters"`
		MaxConnections int `yaml:"maxConnections"`
	} `yaml:"limits"`
}

// LoadConfigFile reads the YAML config file at the given path and applies it
// on top of the active config.
func LoadConfigFile(path string) error {
	raw, err := ioutil.ReadFile(path) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	fc := &fileConfig{}
	if err := yaml.UnmarshalStrict(raw, fc); err != nil {
		return errors.Wrap(err, "could not parse config file")
	}
	conf := Crosstown().Copy()
	applyFileConfig(conf, fc)
	OverrideCrosstownConfig(conf)
	return nil
}

func applyFileConfig(conf *NodeConfig, fc *fileConfig) {
	setString(&conf.NodeID, fc.NodeID)
	setString(&conf.PrivateKey, fc.PrivateKey)
	setString(&conf.ChannelPrivateKey, fc.ChannelPrivateKey)
	setString(&conf.ILPAddress, fc.ILPAddress)
	setString(&conf.RelayListenAddr, fc.ListenAddr)
	setString(&conf.BLSHTTPAddr, fc.BLSHTTPAddr)
	setString(&conf.RelayURL, fc.RelayURL)
	setString(&conf.ConnectorMode, fc.ConnectorMode)
	setString(&conf.ConnectorURL, fc.ConnectorURL)
	if len(fc.Bootstrap.KnownPeers) > 0 {
		conf.KnownPeers = fc.Bootstrap.KnownPeers
	}
	setDurationMs(&conf.DiscoveryWindow, fc.Bootstrap.DiscoveryWindowMs)
	if fc.Bootstrap.MinPeers > 0 {
		conf.MinPeers = fc.Bootstrap.MinPeers
	}
	if len(fc.Pricing.KindRows) > 0 {
		conf.PricingRows = fc.Pricing.KindRows
	}
	if fc.Pricing.Default != nil {
		conf.DefaultPricing = *fc.Pricing.Default
	}
	if len(fc.Pricing.OwnerBypass) > 0 {
		conf.OwnerBypass = fc.Pricing.OwnerBypass
	}
	if len(fc.Settlement.SupportedChains) > 0 {
		conf.SupportedChains = fc.Settlement.SupportedChains
	}
	if len(fc.Settlement.Addresses) > 0 {
		conf.SettlementAddresses = fc.Settlement.Addresses
	}
	if len(fc.Settlement.Tokens) > 0 {
		conf.PreferredTokens = fc.Settlement.Tokens
	}
	if len(fc.Settlement.TokenNetworks) > 0 {
		conf.TokenNetworks = fc.Settlement.TokenNetworks
	}
	if fc.Settlement.Deposit > 0 {
		conf.ChannelDeposit = fc.Settlement.Deposit
	}
	setDurationMs(&conf.HandshakeTimeout, fc.Settlement.HandshakeTimeoutMs)
	setDurationMs(&conf.ChannelOpenTimeout, fc.Settlement.ChannelOpenTimeoutMs)
	setDurationMs(&conf.PacketSendTimeout, fc.Settlement.PacketSendTimeoutMs)
	setString(&conf.DatabasePath, fc.Store.Path)
	if fc.Limits.SubSendBuffer > 0 {
		conf.SubSendBuffer = fc.Limits.SubSendBuffer
	}
	if fc.Limits.MaxFilters > 0 {
		conf.MaxFilters = fc.Limits.MaxFilters
	}
	if fc.Limits.MaxConnections > 0 {
		conf.MaxConnections = fc.Limits.MaxConnections
	}
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setDurationMs(dst *time.Duration, ms int64) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
