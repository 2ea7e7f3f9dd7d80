package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/gateway/config"
	"github.com/vango-go/voice-relay/pkg/gateway/metrics"
	"github.com/vango-go/voice-relay/pkg/gateway/sessions"
)

func testConfig(upstreamURL string) config.Config {
	return config.Config{
		OpenAIAPIKey:        "sk-test",
		UpstreamURL:         upstreamURL,
		Model:               "gpt-4o-realtime-preview-2024-10-01",
		UpstreamDialTimeout: 2 * time.Second,
		WriteTimeout:        2 * time.Second,
		CloseGracePeriod:    time.Second,
		MaxMessageBytes:     1 << 20,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startUpstream runs a fake realtime upstream. handler gets the upgraded
// server-side connection and the dial request, and owns closing the conn.
func startUpstream(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startBridge runs a gateway endpoint that hands every accepted client
// connection to a Bridge with the given config. It returns a connected
// client leg and a channel carrying Run's result.
func startBridge(t *testing.T, cfg config.Config, tracker *sessions.Tracker, m *metrics.Metrics) (*websocket.Conn, chan error) {
	t.Helper()
	runErr := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b, err := New(Dependencies{Conn: conn, Config: cfg, Tracker: tracker, Metrics: m})
		if err != nil {
			conn.Close()
			runErr <- err
			return
		}
		runErr <- b.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, runErr
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int, wantText string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != wantCode {
		t.Fatalf("close code=%d, want %d", ce.Code, wantCode)
	}
	if ce.Text != wantText {
		t.Fatalf("close text=%q, want %q", ce.Text, wantText)
	}
}

func TestBridgeMissingCredentialClosesClient(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1") // never dialed
	cfg.OpenAIAPIKey = ""

	client, runErr := startBridge(t, cfg, nil, nil)
	expectClose(t, client, websocket.CloseInternalServerErr, "Server configuration error")

	if err := <-runErr; err == nil {
		t.Fatalf("expected Run to report the missing credential")
	}
}

func TestBridgeUpstreamDialFailure(t *testing.T) {
	// Plain HTTP handler that refuses the websocket upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client, runErr := startBridge(t, testConfig(wsURL(srv)), nil, nil)
	expectClose(t, client, websocket.CloseInternalServerErr, "Upstream unavailable")

	if err := <-runErr; err == nil {
		t.Fatalf("expected Run to report the dial failure")
	}
}

func TestBridgeDialSendsAuthHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		conn.Close()
	})

	client, runErr := startBridge(t, testConfig(wsURL(up)), nil, nil)
	defer client.Close()

	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("Authorization=%q, want %q", got, "Bearer sk-test")
	}
	if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Fatalf("OpenAI-Beta=%q, want %q", got, "realtime=v1")
	}
	<-runErr
}

func TestBridgeForwardsFramesVerbatim(t *testing.T) {
	fromClient := make(chan string, 1)
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fromClient <- string(payload)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`)); err != nil {
			return
		}
		// Hold the leg open until the client hangs up.
		_, _, _ = conn.ReadMessage()
	})

	client, runErr := startBridge(t, testConfig(wsURL(up)), nil, nil)

	want := `{"type":"input_audio_buffer.append","audio":"AAAA"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(want)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	select {
	case got := <-fromClient:
		if got != want {
			t.Fatalf("upstream got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never received the client frame")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(payload) != `{"type":"session.created"}` {
		t.Fatalf("client got %q", payload)
	}

	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	client.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v after clean client close", err)
	}
}

func TestBridgeCleanUpstreamClosePropagatesNormalClosure(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
		// Wait for the close handshake to come back before tearing down.
		_, _, _ = conn.ReadMessage()
		conn.Close()
	})

	client, runErr := startBridge(t, testConfig(wsURL(up)), nil, nil)
	expectClose(t, client, websocket.CloseNormalClosure, "")
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v after clean upstream close", err)
	}
}

func TestBridgeUpstreamDropPropagatesServerError(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		// Abrupt close, no close frame.
		conn.UnderlyingConn().Close()
	})

	client, runErr := startBridge(t, testConfig(wsURL(up)), nil, nil)
	expectClose(t, client, websocket.CloseInternalServerErr, "Upstream error")
	if err := <-runErr; err == nil {
		t.Fatalf("expected Run to surface the upstream failure")
	}
}

func TestBridgeCountsErrorsByClass(t *testing.T) {
	m := metrics.New("")

	// Missing credential.
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.OpenAIAPIKey = ""
	client, runErr := startBridge(t, cfg, nil, m)
	expectClose(t, client, websocket.CloseInternalServerErr, "Server configuration error")
	<-runErr

	// Upstream refuses the upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	client, runErr = startBridge(t, testConfig(wsURL(srv)), nil, m)
	expectClose(t, client, websocket.CloseInternalServerErr, "Upstream unavailable")
	<-runErr

	// Upstream drops mid-session without a close frame.
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		conn.UnderlyingConn().Close()
	})
	client, runErr = startBridge(t, testConfig(wsURL(up)), nil, m)
	expectClose(t, client, websocket.CloseInternalServerErr, "Upstream error")
	<-runErr

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`voice_relay_errors_total{class="config"} 1`,
		`voice_relay_errors_total{class="upstream_unavailable"} 1`,
		`voice_relay_errors_total{class="upstream"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestBridgeRegistersWithTrackerAndCancels(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.ReadMessage()
		conn.Close()
	})

	tracker := sessions.NewTracker()
	client, runErr := startBridge(t, testConfig(wsURL(up)), tracker, nil)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bridge never registered with the tracker")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tracker.CancelAll()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after CancelAll")
	}
	if tracker.Count() != 0 {
		t.Fatalf("tracker count=%d after cancel, want 0", tracker.Count())
	}
}
