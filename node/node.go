// Package node is the main service which launches a Crosstown node and
// manages the lifecycle of all its associated services at runtime: the
// event store, the packet handler, the relay server, the handshake
// responder and the bootstrap state machine, gracefully closing them if the
// process ends.
package node

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/crosstown-labs/crosstown/bls"
	"github.com/crosstown-labs/crosstown/bootstrap"
	"github.com/crosstown-labs/crosstown/cmd/crosstown/flags"
	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/connector"
	"github.com/crosstown-labs/crosstown/db"
	"github.com/crosstown-labs/crosstown/pricing"
	"github.com/crosstown-labs/crosstown/relay"
	"github.com/crosstown-labs/crosstown/runtime"
	"github.com/crosstown-labs/crosstown/settlement"
)

const eventStoreDirName = "eventstore"

// Crosstown defines a struct that handles the services running a full
// payment-gated relay node. It handles the lifecycle of the entire system
// and registers services to a service registry.
type Crosstown struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	conf     *params.NodeConfig
	db       db.Database
	settle   *settlement.Service
	pricer   *pricing.Service
	handler  *bls.Service
	adapter  connector.Adapter
	loopback *connector.Loopback
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*Crosstown, error) {
	if err := configure(cliCtx); err != nil {
		return nil, err
	}
	conf := params.Crosstown()

	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &Crosstown{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
		conf:     conf,
	}

	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := node.startSettlement(); err != nil {
		cancel()
		return nil, err
	}
	node.pricer = pricing.NewService(conf)
	node.handler = bls.NewService(&bls.Config{
		Store:        node.db,
		Pricer:       node.pricer,
		Settlement:   node.settle,
		MaxClockSkew: conf.MaxClockSkew,
		DeletionKind: conf.DeletionKind,
	})
	if err := node.startConnector(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerBLSHTTPService(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerRelayService(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerResponderService(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.registerBootstrapService(); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

// configure folds the config file and flag overrides into the active node
// config and fills in any missing identity material.
func configure(cliCtx *cli.Context) error {
	if cliCtx.IsSet(flags.ConfigFileFlag.Name) {
		if err := params.LoadConfigFile(cliCtx.String(flags.ConfigFileFlag.Name)); err != nil {
			return err
		}
	}
	conf := params.Crosstown().Copy()
	applyFlag := func(flag *cli.StringFlag, dst *string) {
		if cliCtx.IsSet(flag.Name) {
			*dst = cliCtx.String(flag.Name)
		}
	}
	applyFlag(flags.NodeIDFlag, &conf.NodeID)
	applyFlag(flags.PrivateKeyFlag, &conf.PrivateKey)
	applyFlag(flags.ChannelPrivateKeyFlag, &conf.ChannelPrivateKey)
	applyFlag(flags.ILPAddressFlag, &conf.ILPAddress)
	applyFlag(flags.RelayListenAddrFlag, &conf.RelayListenAddr)
	applyFlag(flags.BLSHTTPAddrFlag, &conf.BLSHTTPAddr)
	applyFlag(flags.RelayURLFlag, &conf.RelayURL)
	applyFlag(flags.ConnectorModeFlag, &conf.ConnectorMode)
	applyFlag(flags.ConnectorURLFlag, &conf.ConnectorURL)
	if cliCtx.IsSet(flags.MinPeersFlag.Name) {
		conf.MinPeers = cliCtx.Int(flags.MinPeersFlag.Name)
	}
	if cliCtx.IsSet(flags.DiscoveryWindowFlag.Name) {
		conf.DiscoveryWindow = cliCtx.Duration(flags.DiscoveryWindowFlag.Name)
	}
	if conf.DatabasePath == "" {
		conf.DatabasePath = cliCtx.String(flags.DataDirFlag.Name)
	}

	if conf.PrivateKey == "" {
		conf.PrivateKey = nostr.GeneratePrivateKey()
		log.Warn("No event signing key configured, generated an ephemeral identity")
	}
	if conf.ChannelPrivateKey == "" {
		key, err := gethcrypto.GenerateKey()
		if err != nil {
			return errors.Wrap(err, "could not generate channel key")
		}
		conf.ChannelPrivateKey = hex.EncodeToString(gethcrypto.FromECDSA(key))
		log.Warn("No channel signing key configured, generated an ephemeral one")
	}
	if conf.ILPAddress == "" {
		pubkey, err := nostr.GetPublicKey(conf.PrivateKey)
		if err != nil {
			return errors.Wrap(err, "invalid event signing key")
		}
		conf.ILPAddress = "g.crosstown." + pubkey[:16]
	}
	params.OverrideCrosstownConfig(conf)
	return nil
}

func (c *Crosstown) startDB(cliCtx *cli.Context) error {
	dbPath := filepath.Join(c.conf.DatabasePath, eventStoreDirName)
	store, err := db.NewDB(dbPath)
	if err != nil {
		return errors.Wrap(err, "could not open event store")
	}
	if cliCtx.Bool(flags.ClearDBFlag.Name) {
		log.Warn("Clearing event store")
		if err := store.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear event store")
		}
		store, err = db.NewDB(dbPath)
		if err != nil {
			return errors.Wrap(err, "could not reopen event store")
		}
	}
	log.WithField("path", dbPath).Info("Opened event store")
	c.db = store
	return nil
}

func (c *Crosstown) startSettlement() error {
	settle, err := settlement.NewService(c.conf.ChannelPrivateKey)
	if err != nil {
		return err
	}
	c.settle = settle
	return nil
}

// startConnector wires the adapter the node drives packets through. The
// embedded mode runs the in-process loopback core and binds our packet
// handler to our own ILP address; remote mode talks to an external
// connector, which reaches the handler through the BLS HTTP server.
func (c *Crosstown) startConnector() error {
	switch c.conf.ConnectorMode {
	case "embedded", "":
		c.loopback = connector.NewLoopback()
		c.loopback.RegisterHandler(c.conf.ILPAddress, c.handler.HandlePacket)
		c.adapter = connector.NewEmbedded(c.loopback)
	case "remote":
		remote, err := connector.NewRemote(c.conf.ConnectorURL)
		if err != nil {
			return err
		}
		c.adapter = remote
	default:
		return errors.Errorf("unknown connector mode %q", c.conf.ConnectorMode)
	}
	return nil
}

func (c *Crosstown) registerBLSHTTPService() error {
	srv := bls.NewHTTPServer(c.handler, c.conf.BLSHTTPAddr, c.conf.ShutdownTimeout)
	return c.services.RegisterService(srv)
}

func (c *Crosstown) registerRelayService() error {
	srv := relay.NewServer(c.ctx, &relay.Config{
		Addr:            c.conf.RelayListenAddr,
		DB:              c.db,
		Pricer:          c.pricer,
		MaxClockSkew:    c.conf.MaxClockSkew,
		DeletionKind:    c.conf.DeletionKind,
		SubSendBuffer:   c.conf.SubSendBuffer,
		MaxFilters:      c.conf.MaxFilters,
		MaxConnections:  c.conf.MaxConnections,
		ShutdownTimeout: c.conf.ShutdownTimeout,
	})
	return c.services.RegisterService(srv)
}

func (c *Crosstown) registerResponderService() error {
	responder, err := bootstrap.NewResponder(c.ctx, c.conf, c.db, c.adapter)
	if err != nil {
		return err
	}
	return c.services.RegisterService(responder)
}

func (c *Crosstown) registerBootstrapService() error {
	svc, err := bootstrap.NewService(c.ctx, &bootstrap.Config{
		Node:       c.conf,
		DB:         c.db,
		Pricer:     c.pricer,
		Settlement: c.settle,
		Runtime:    c.adapter,
		Admin:      c.adapter,
		Channel:    c.adapter,
	})
	if err != nil {
		return err
	}
	return c.services.RegisterService(svc)
}

// Start the Crosstown node and kicks off every registered service.
func (c *Crosstown) Start() {
	c.lock.Lock()
	log.WithField("nodeId", c.conf.NodeID).Info("Starting Crosstown node")
	c.services.StartAll()
	stop := c.stop
	c.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go c.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the Crosstown node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (c *Crosstown) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	log.Info("Stopping Crosstown node")
	c.services.StopAll()
	if err := c.db.Close(); err != nil {
		log.WithError(err).Error("Could not close event store")
	}
	c.cancel()
	close(c.stop)
}
