package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/voice-relay/pkg/gateway/config"
	"github.com/vango-go/voice-relay/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Model         string   `json:"model"`
		HasCredential bool     `json:"has_credential"`
		Draining      bool     `json:"draining"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)

	hasCredential := h.Config.OpenAIAPIKey != ""
	if !hasCredential {
		issues = append(issues, "OPENAI_API_KEY is not set; sessions will be refused")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "gateway is draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		Model:         h.Config.Model,
		HasCredential: hasCredential,
		Draining:      draining,
		Issues:        issues,
	})
}
