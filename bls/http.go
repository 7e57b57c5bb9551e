package bls

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/crosstown-labs/crosstown/core/ilp"
)

// HTTPServer exposes the packet handler to a remote connector. It serializes
// responses through the same marshaling path as the in-process handler so
// the two delivery paths are bit-identical.
type HTTPServer struct {
	handler  *Service
	addr     string
	shutdown time.Duration
	srv      *http.Server
	startErr error
}

// NewHTTPServer builds the BLS HTTP frontend listening on addr.
func NewHTTPServer(handler *Service, addr string, shutdownTimeout time.Duration) *HTTPServer {
	s := &HTTPServer{handler: handler, addr: addr, shutdown: shutdownTimeout}
	router := mux.NewRouter()
	router.HandleFunc("/handle-packet", s.handlePacketHTTP).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: cors.Default().Handler(router),
	}
	return s
}

// Start begins serving in the background.
func (s *HTTPServer) Start() {
	log.WithField("address", s.addr).Info("Starting BLS HTTP server")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.startErr = err
			log.WithError(err).Error("BLS HTTP server failed")
		}
	}()
}

// Stop drains in-flight requests within the shutdown budget.
func (s *HTTPServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Status returns the listen error, if any.
func (s *HTTPServer) Status() error {
	if s.startErr != nil {
		return errors.Wrap(s.startErr, "bls http server not serving")
	}
	return nil
}

func (s *HTTPServer) handlePacketHTTP(w http.ResponseWriter, r *http.Request) {
	req := &ilp.PacketRequest{}
	var resp *ilp.PacketResponse
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		resp = ilp.Reject(ilp.CodeBadRequest, "invalid data")
	} else {
		resp = s.handler.HandlePacket(r.Context(), req)
	}
	raw, err := resp.Marshal()
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		log.WithError(err).Debug("Could not write packet response")
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if s.startErr != nil {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": status}); err != nil {
		log.WithError(err).Debug("Could not write health response")
	}
}
