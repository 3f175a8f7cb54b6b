// Package api provides the HTTP surface of IntakeFlow.
//
// It exposes the Twilio inbound webhook, a health snapshot with circuit and
// re-engagement statistics, and read-only session lookup.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/resilience"
	"github.com/JurisFlow/IntakeFlow/internal/store"
	"github.com/JurisFlow/IntakeFlow/internal/timeout"
)

// DefaultAddr is the default listen address of the API server.
const DefaultAddr = ":8080"

// ReengagementStatsSource reports re-engagement statistics for the health
// snapshot. Implemented by the timeout monitor.
type ReengagementStatsSource interface {
	Stats() timeout.ReengagementStats
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the IntakeFlow HTTP server.
type Server struct {
	store   store.SessionStore
	exec    *resilience.Executor
	stats   ReengagementStatsSource
	webhook http.HandlerFunc
	httpSrv *http.Server
	addr    string
}

// NewServer creates an API server. webhook may be nil when the deployment has
// no Twilio callback channel; the route is registered only when present.
func NewServer(st store.SessionStore, exec *resilience.Executor, stats ReengagementStatsSource, webhook http.HandlerFunc, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		store:   st,
		exec:    exec,
		stats:   stats,
		webhook: webhook,
		addr:    cfg.Addr,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /sessions/{address}", s.sessionHandler)
	if s.webhook != nil {
		mux.HandleFunc("POST /webhook/twilio", s.webhook)
	}
	return mux
}

// Start begins listening and serving in the background.
// It returns an error if the listener cannot be created.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	slog.Info("Server.Start: API listening", "addr", s.addr)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Server.Stop: shutting down API server")
	return s.httpSrv.Shutdown(ctx)
}
