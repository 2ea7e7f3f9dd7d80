// Package server wires routes, middleware, and shared gateway state.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/voice-relay/pkg/gateway/config"
	"github.com/vango-go/voice-relay/pkg/gateway/handlers"
	"github.com/vango-go/voice-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/voice-relay/pkg/gateway/metrics"
	"github.com/vango-go/voice-relay/pkg/gateway/mw"
	"github.com/vango-go/voice-relay/pkg/gateway/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   metrics.New(cfg.MetricsNamespace),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/realtime", handlers.RealtimeHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle is the draining flag shared with the shutdown path.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// Sessions is the live bridge tracker shared with the shutdown path.
func (s *Server) Sessions() *sessions.Tracker { return s.sessions }

// Metrics exposes the gateway metrics registry.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// SetDraining flips readiness so new sessions are refused while existing
// bridges wind down.
func (s *Server) SetDraining() { s.lifecycle.SetDraining(true) }

// DrainLiveSessions warns every live bridge that shutdown is imminent.
func (s *Server) DrainLiveSessions() int {
	return s.sessions.DrainAll("server is shutting down")
}

// WaitLiveSessions blocks until all bridges end or the context expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelLiveSessions force-closes any bridges still running.
func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}
