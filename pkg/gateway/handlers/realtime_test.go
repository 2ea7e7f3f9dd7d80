package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/gateway/config"
	"github.com/vango-go/voice-relay/pkg/gateway/lifecycle"
)

func realtimeTestConfig() config.Config {
	return config.Config{
		OpenAIAPIKey:        "sk-test",
		UpstreamURL:         "ws://127.0.0.1:1",
		Model:               "gpt-4o-realtime-preview-2024-10-01",
		HandshakeTimeout:    2 * time.Second,
		UpstreamDialTimeout: 500 * time.Millisecond,
		WriteTimeout:        2 * time.Second,
		CloseGracePeriod:    time.Second,
	}
}

func TestRealtimeHandlerRejectsPost(t *testing.T) {
	h := RealtimeHandler{Config: realtimeTestConfig(), Lifecycle: &lifecycle.Lifecycle{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/realtime", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rec.Code)
	}
}

func TestRealtimeHandlerRejectsWhileDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := RealtimeHandler{Config: realtimeTestConfig(), Lifecycle: lc}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/realtime", nil))
	if rec.Code != 529 {
		t.Fatalf("status=%d, want 529", rec.Code)
	}
}

func TestRealtimeHandlerRejectsUnknownOrigin(t *testing.T) {
	cfg := realtimeTestConfig()
	cfg.AllowedOrigins = map[string]struct{}{"https://app.example.com": {}}
	h := RealtimeHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}}

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestRealtimeHandlerUpgradesAndBridges(t *testing.T) {
	// Unreachable upstream: the accepted client must still get a proper
	// close frame rather than a hung connection.
	h := RealtimeHandler{Config: realtimeTestConfig(), Lifecycle: &lifecycle.Lifecycle{}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = client.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseInternalServerErr {
		t.Fatalf("close code=%d, want 1011", ce.Code)
	}
	if ce.Text != "Upstream unavailable" {
		t.Fatalf("close text=%q", ce.Text)
	}
}
