package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/gateway/config"
	"github.com/vango-go/voice-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/voice-relay/pkg/gateway/metrics"
	"github.com/vango-go/voice-relay/pkg/gateway/mw"
	"github.com/vango-go/voice-relay/pkg/gateway/relay"
	"github.com/vango-go/voice-relay/pkg/gateway/sessions"
)

// RealtimeHandler upgrades /v1/realtime requests and hands each accepted
// connection to a relay bridge.
type RealtimeHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	// Dialer overrides the upstream dialer, for tests.
	Dialer relay.Dialer
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeJSONError(w, r, 529, "overloaded_error", "gateway is draining")
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, r, http.StatusForbidden, "permission_error", "origin is not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	bridge, err := relay.New(relay.Dependencies{
		Conn:    conn,
		Config:  h.Config,
		Logger:  h.Logger,
		Metrics: h.Metrics,
		Tracker: h.Sessions,
		Dialer:  h.Dialer,
	})
	if err != nil {
		conn.Close()
		return
	}

	if err := bridge.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("bridge ended with error",
				"session_id", bridge.ID(), "request_id", reqID, "error", err)
		}
	}
}

func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.AllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}
