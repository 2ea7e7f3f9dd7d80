// Package relay bridges one client websocket to one upstream realtime
// websocket, forwarding frames verbatim in both directions.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/gateway/config"
	"github.com/vango-go/voice-relay/pkg/gateway/metrics"
	"github.com/vango-go/voice-relay/pkg/gateway/sessions"
)

const (
	closeMissingCredential  = "Server configuration error"
	closeUpstreamUnavail    = "Upstream unavailable"
	closeUpstreamError      = "Upstream error"
	betaHeader              = "OpenAI-Beta"
	betaHeaderValue         = "realtime=v1"
	directionClientUpstream = "client_to_upstream"
	directionUpstreamClient = "upstream_to_client"
)

var errBridgeCanceled = errors.New("relay: bridge canceled")

// Dialer dials the upstream websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Dependencies carries what a Bridge needs. Conn is the already-upgraded
// client leg; the bridge owns it from here on.
type Dependencies struct {
	Conn    *websocket.Conn
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracker *sessions.Tracker
	Dialer  Dialer
}

// Bridge relays frames between one client and one upstream connection.
type Bridge struct {
	id       string
	client   *websocket.Conn
	upstream *websocket.Conn
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracker  *sessions.Tracker
	dialer   Dialer

	done   chan struct{}
	cancel chan struct{}
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("relay: client connection is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: deps.Config.UpstreamDialTimeout,
		}
	}
	return &Bridge{
		id:      "sess_" + uuid.NewString(),
		client:  deps.Conn,
		cfg:     deps.Config,
		logger:  logger,
		metrics: deps.Metrics,
		tracker: deps.Tracker,
		dialer:  dialer,
		done:    make(chan struct{}),
		cancel:  make(chan struct{}),
	}, nil
}

func (b *Bridge) ID() string { return b.id }

// Run connects the upstream leg and pumps frames until either side closes.
// It always closes both connections before returning.
func (b *Bridge) Run() error {
	defer close(b.done)
	defer b.client.Close()

	start := time.Now()
	if b.metrics != nil {
		b.metrics.SessionsActive.Inc()
		defer func() {
			b.metrics.SessionsActive.Dec()
			b.metrics.SessionDuration.Observe(time.Since(start).Seconds())
		}()
	}

	if b.cfg.OpenAIAPIKey == "" {
		b.logger.Error("upstream credential missing, refusing session", "session_id", b.id)
		b.closeClient(websocket.CloseInternalServerErr, closeMissingCredential)
		b.countError("config")
		b.countSession("config_error")
		return fmt.Errorf("relay: upstream credential missing")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.OpenAIAPIKey)
	header.Set(betaHeader, betaHeaderValue)

	target := b.cfg.UpstreamTarget()
	upstream, resp, err := b.dialer.Dial(target, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		b.logger.Error("upstream dial failed", "session_id", b.id, "status", status, "error", err)
		if b.metrics != nil {
			b.metrics.UpstreamConnectFailures.Inc()
		}
		b.closeClient(websocket.CloseInternalServerErr, closeUpstreamUnavail)
		b.countError("upstream_unavailable")
		b.countSession("upstream_unavailable")
		return fmt.Errorf("relay: dial upstream: %w", err)
	}
	b.upstream = upstream
	defer upstream.Close()

	if b.cfg.MaxMessageBytes > 0 {
		b.client.SetReadLimit(b.cfg.MaxMessageBytes)
		upstream.SetReadLimit(b.cfg.MaxMessageBytes)
	}

	unregister := func() {}
	if b.tracker != nil {
		unregister = b.tracker.Register(b.id, sessions.Handle{
			Cancel: b.Cancel,
			Drain:  b.drain,
		})
	}
	defer unregister()

	b.logger.Info("bridge established", "session_id", b.id, "upstream", target)

	errc := make(chan pumpResult, 2)
	go b.pump(b.client, upstream, directionClientUpstream, errc)
	go b.pump(upstream, b.client, directionUpstreamClient, errc)

	var res pumpResult
	select {
	case res = <-errc:
	case <-b.cancel:
		res = pumpResult{err: errBridgeCanceled}
	}

	b.propagateClose(res)

	// Unblock the surviving pump before returning.
	b.client.Close()
	upstream.Close()
	<-errc

	if res.err != nil && !isExpectedClose(res.err) {
		b.countSession("error")
		return fmt.Errorf("relay: %s: %w", res.direction, res.err)
	}
	b.countSession("ok")
	return nil
}

// Cancel force-closes both legs. Safe to call more than once.
func (b *Bridge) Cancel() {
	select {
	case <-b.cancel:
	default:
		close(b.cancel)
	}
	b.client.Close()
	if b.upstream != nil {
		b.upstream.Close()
	}
}

// Done is closed when Run has returned.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) drain(message string) error {
	deadline := time.Now().Add(b.cfg.WriteTimeout)
	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, message)
	return b.client.WriteControl(websocket.CloseMessage, frame, deadline)
}

type pumpResult struct {
	direction string
	err       error
}

func (b *Bridge) pump(src, dst *websocket.Conn, direction string, errc chan<- pumpResult) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			errc <- pumpResult{direction: direction, err: err}
			return
		}
		_ = dst.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := dst.WriteMessage(messageType, payload); err != nil {
			errc <- pumpResult{direction: direction, err: err}
			return
		}
		if b.metrics != nil {
			b.metrics.FramesTotal.WithLabelValues(direction).Inc()
			b.metrics.AudioBytesTotal.WithLabelValues(direction).Add(float64(len(payload)))
		}
	}
}

// propagateClose forwards the terminal condition to the side that is still
// up: a clean upstream close becomes a 1000 toward the client, anything else
// becomes a 1011.
func (b *Bridge) propagateClose(res pumpResult) {
	switch {
	case errors.Is(res.err, errBridgeCanceled):
		b.closeClient(websocket.CloseGoingAway, "Server shutting down")
		b.closeUpstream(websocket.CloseGoingAway, "Server shutting down")
	case res.direction == directionUpstreamClient:
		if isCleanClose(res.err) {
			b.logger.Info("upstream closed", "session_id", b.id)
			b.closeClient(websocket.CloseNormalClosure, "")
		} else {
			b.logger.Warn("upstream failed", "session_id", b.id, "error", res.err)
			b.countError("upstream")
			b.closeClient(websocket.CloseInternalServerErr, closeUpstreamError)
		}
	default:
		if isCleanClose(res.err) {
			b.logger.Info("client closed", "session_id", b.id)
			b.closeUpstream(websocket.CloseNormalClosure, "")
		} else {
			b.logger.Warn("client failed", "session_id", b.id, "error", res.err)
			if !isExpectedClose(res.err) {
				b.countError("client")
			}
			b.closeUpstream(websocket.CloseNormalClosure, "")
		}
	}
}

func (b *Bridge) closeClient(code int, message string) {
	writeClose(b.client, code, message, b.cfg.CloseGracePeriod)
}

func (b *Bridge) closeUpstream(code int, message string) {
	if b.upstream == nil {
		return
	}
	writeClose(b.upstream, code, message, b.cfg.CloseGracePeriod)
}

func writeClose(conn *websocket.Conn, code int, message string, grace time.Duration) {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	frame := websocket.FormatCloseMessage(code, message)
	_ = conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(grace))
}

func (b *Bridge) countSession(status string) {
	if b.metrics != nil {
		b.metrics.SessionsTotal.WithLabelValues(status).Inc()
	}
}

func (b *Bridge) countError(class string) {
	if b.metrics != nil {
		b.metrics.ErrorsTotal.WithLabelValues(class).Inc()
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func isExpectedClose(err error) bool {
	if errors.Is(err, errBridgeCanceled) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
