package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsRegistration(t *testing.T) {
	m := New("")

	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues("completed").Inc()
	m.SessionDuration.Observe(12.5)
	m.FramesTotal.WithLabelValues("inbound").Add(3)
	m.AudioBytesTotal.WithLabelValues("outbound").Add(4096)
	m.UpstreamConnectFailures.Inc()
	m.ErrorsTotal.WithLabelValues("network").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"voice_relay_sessions_active 1",
		`voice_relay_sessions_total{status="completed"} 1`,
		`voice_relay_frames_total{direction="inbound"} 3`,
		`voice_relay_audio_bytes_total{direction="outbound"} 4096`,
		"voice_relay_upstream_connect_failures_total 1",
		`voice_relay_errors_total{class="network"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsCustomNamespace(t *testing.T) {
	m := New("custom_ns")
	m.SessionsActive.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "custom_ns_sessions_active 2") {
		t.Error("custom namespace not applied")
	}
}
