// Package relay serves the websocket subscription protocol: clients send
// REQ/CLOSE/EVENT frames, the server answers with EVENT/EOSE/OK/NOTICE.
// History is read from the event store; live delivery is driven by the
// store's post-commit feed, so the relay never sits on the write path.
package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/config/params"
	"github.com/crosstown-labs/crosstown/core/feed"
	"github.com/crosstown-labs/crosstown/db/iface"
	"github.com/crosstown-labs/crosstown/pricing"
)

// Config groups the relay server's collaborators and limits.
type Config struct {
	Addr            string
	DB              iface.Database
	Pricer          *pricing.Service
	MaxClockSkew    time.Duration
	DeletionKind    int
	SubSendBuffer   int
	MaxFilters      int
	MaxConnections  int
	ShutdownTimeout time.Duration
}

// Server is the relay websocket frontend.
type Server struct {
	cfg      *Config
	ctx      context.Context
	cancel   context.CancelFunc
	srv      *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}

	listener net.Listener
	startErr error
	wg       sync.WaitGroup
}

// NewServer builds a relay server from the active node config.
func NewServer(ctx context.Context, cfg *Config) *Server {
	if cfg.SubSendBuffer <= 0 {
		cfg.SubSendBuffer = params.DefaultConfig().SubSendBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers connect from arbitrary origins.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start begins accepting websocket connections and dispatching store
// notifications to live subscriptions. The listener is bound synchronously
// so ListenAddr is valid once Start returns.
func (s *Server) Start() {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.startErr = err
		log.WithError(err).WithField("address", s.cfg.Addr).Error("Could not bind relay listener")
		return
	}
	s.listener = ln
	log.WithField("address", ln.Addr().String()).Info("Starting relay server")
	s.wg.Add(1)
	go s.dispatchLoop()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.startErr = err
			log.WithError(err).Error("Relay server failed")
		}
	}()
}

// ListenAddr is the bound listen address, useful when the configured port
// is 0.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes every connection and shuts the listener down within the
// configured budget.
func (s *Server) Stop() error {
	s.cancel()
	// close() re-enters the server lock through dropConnection, so the
	// connections are snapshotted first and closed outside it.
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	ctx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Status returns the listen error, if any.
func (s *Server) Status() error {
	if s.startErr != nil {
		return errors.Wrap(s.startErr, "relay server not serving")
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	c := newConnection(s, ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	openConnections.Inc()
	go c.writeLoop()
	go c.readLoop()
}

func (s *Server) dropConnection(c *connection) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		openConnections.Dec()
	}
	s.mu.Unlock()
}

// dispatchLoop fans stored events out to every open subscription. One
// goroutine drains the feed so slow connections cannot stall the store;
// per-connection backpressure is handled by the bounded send queues.
func (s *Server) dispatchLoop() {
	defer s.wg.Done()
	ch := make(chan *feed.Event, 64)
	sub := s.cfg.DB.StoredFeed().Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			if ev.Type != feed.EventStored {
				continue
			}
			data, ok := ev.Data.(*feed.StoredData)
			if !ok || data.Event == nil {
				continue
			}
			s.mu.Lock()
			conns := make([]*connection, 0, len(s.conns))
			for c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.Unlock()
			for _, c := range conns {
				c.deliver(data.Event)
			}
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Store feed subscription failed")
			}
			return
		case <-s.ctx.Done():
			return
		}
	}
}
