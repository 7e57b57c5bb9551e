// Package flags defines the command-line flags understood by the Crosstown
// node. File-based configuration carries the same options; flags win on
// conflict.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// ConfigFileFlag points at a YAML node configuration file.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a YAML node configuration file",
	}
	// DataDirFlag is the directory the event store lives in.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the event store",
		Value: "crosstown-data",
	}
	// ClearDBFlag wipes the event store before starting.
	ClearDBFlag = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Delete the event store on startup",
	}
	// NodeIDFlag names the node in logs and announces.
	NodeIDFlag = &cli.StringFlag{
		Name:  "node-id",
		Usage: "Human-readable node identifier",
	}
	// PrivateKeyFlag is the hex secp256k1 key events are signed with. A
	// fresh ephemeral key is generated when unset.
	PrivateKeyFlag = &cli.StringFlag{
		Name:  "private-key",
		Usage: "Hex secp256k1 key used for event signing",
	}
	// ChannelPrivateKeyFlag is the hex secp256k1 key channel claims are
	// signed with.
	ChannelPrivateKeyFlag = &cli.StringFlag{
		Name:  "channel-private-key",
		Usage: "Hex secp256k1 key used for payment channel claims",
	}
	// ILPAddressFlag is the node's address on the connector overlay.
	ILPAddressFlag = &cli.StringFlag{
		Name:  "ilp-address",
		Usage: "ILP address packets destined for this node carry",
	}
	// RelayListenAddrFlag is the relay websocket listen address.
	RelayListenAddrFlag = &cli.StringFlag{
		Name:  "relay-listen-addr",
		Usage: "Listen address for the relay websocket server",
		Value: "127.0.0.1:7447",
	}
	// BLSHTTPAddrFlag is the packet handler HTTP listen address.
	BLSHTTPAddrFlag = &cli.StringFlag{
		Name:  "bls-http-addr",
		Usage: "Listen address for the packet handler HTTP server",
		Value: "127.0.0.1:7448",
	}
	// RelayURLFlag is the public URL of our relay, announced to peers.
	RelayURLFlag = &cli.StringFlag{
		Name:  "relay-url",
		Usage: "Public websocket URL of this node's relay",
	}
	// ConnectorModeFlag selects the embedded or remote connector adapter.
	ConnectorModeFlag = &cli.StringFlag{
		Name:  "connector-mode",
		Usage: "Connector adapter: embedded or remote",
		Value: "embedded",
	}
	// ConnectorURLFlag is the remote connector admin base URL.
	ConnectorURLFlag = &cli.StringFlag{
		Name:  "connector-url",
		Usage: "Admin base URL of the remote connector",
	}
	// MinPeersFlag is the discovery threshold that ends the discovery
	// window early.
	MinPeersFlag = &cli.IntFlag{
		Name:  "min-peers",
		Usage: "Stop discovering once this many peers are found",
	}
	// DiscoveryWindowFlag bounds the peer discovery phase.
	DiscoveryWindowFlag = &cli.DurationFlag{
		Name:  "discovery-window",
		Usage: "How long to listen for peer announces during bootstrap",
		Value: 5 * time.Second,
	}
	// BackupOutDirFlag is where db backup writes the backup file. Defaults
	// to a backups directory next to the store.
	BackupOutDirFlag = &cli.StringFlag{
		Name:  "backup-out-dir",
		Usage: "Directory the event store backup is written to",
	}
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal)",
		Value: "info",
	}
)

// Flags is the full flag set of the Crosstown node.
var Flags = []cli.Flag{
	ConfigFileFlag,
	DataDirFlag,
	ClearDBFlag,
	NodeIDFlag,
	PrivateKeyFlag,
	ChannelPrivateKeyFlag,
	ILPAddressFlag,
	RelayListenAddrFlag,
	BLSHTTPAddrFlag,
	RelayURLFlag,
	ConnectorModeFlag,
	ConnectorURLFlag,
	MinPeersFlag,
	DiscoveryWindowFlag,
	VerbosityFlag,
}
