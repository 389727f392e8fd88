// Package ops provides the producer's small operational HTTP surface:
// a health probe and the Prometheus metrics endpoint.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves /healthz and /metrics for the lifetime of a run.
type Server struct {
	logger     zerolog.Logger
	listenAddr string
	httpServer *http.Server
	mux        *http.ServeMux

	mu         sync.RWMutex
	actualAddr string
}

// NewServer creates the ops server; Start must be called to begin listening.
func NewServer(listenAddr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		logger:     logger.With().Str("component", "OpsServer").Logger(),
		listenAddr: listenAddr,
		mux:        mux,
		httpServer: &http.Server{Addr: listenAddr, Handler: mux},
	}
}

// Start begins listening in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Ops server listening.")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server failed.")
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on :0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

// Shutdown stops the server, respecting the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
