package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config holds everything the relay server needs. Values come from the
// environment (VOICE_RELAY_* variables), optionally overlaid by a YAML file
// pointed to by VOICE_RELAY_CONFIG.
type Config struct {
	Addr string `yaml:"addr"`

	// Upstream realtime model.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	UpstreamURL  string `yaml:"upstream_url"`
	Model        string `yaml:"model"`

	// Session defaults applied by clients of the conversation layer.
	Voice              string  `yaml:"voice"`
	Instructions       string  `yaml:"instructions"`
	SampleRate         int     `yaml:"sample_rate"`
	Temperature        float64 `yaml:"temperature"`
	VADThreshold       float64 `yaml:"vad_threshold"`
	PrefixPaddingMs    int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs  int     `yaml:"silence_duration_ms"`
	TranscriptionModel string  `yaml:"transcription_model"`

	// CORS / origin checking for the upgrade endpoint. Empty => same-origin
	// requests only.
	AllowedOrigins map[string]struct{} `yaml:"-"`

	// WebSocket behavior.
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	UpstreamDialTimeout time.Duration `yaml:"upstream_dial_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	CloseGracePeriod    time.Duration `yaml:"close_grace_period"`
	MaxMessageBytes     int64         `yaml:"max_message_bytes"`

	// Operational defaults.
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	MetricsNamespace string `yaml:"metrics_namespace"`
}

// LoadFromEnv builds the configuration. A missing upstream credential is NOT
// a load error: the server starts and reports it per-connection with a
// configuration-error close, which is far easier to diagnose than a crash
// loop behind an orchestrator.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICE_RELAY_ADDR", ":8081"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		UpstreamURL:         envOr("VOICE_RELAY_UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		Model:               envOr("VOICE_RELAY_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		Voice:               envOr("VOICE_RELAY_VOICE", "alloy"),
		Instructions:        envOr("VOICE_RELAY_INSTRUCTIONS", ""),
		SampleRate:          envIntOr("VOICE_RELAY_SAMPLE_RATE", 24000),
		Temperature:         envFloat64Or("VOICE_RELAY_TEMPERATURE", 0.8),
		VADThreshold:        envFloat64Or("VOICE_RELAY_VAD_THRESHOLD", 0.5),
		PrefixPaddingMs:     envIntOr("VOICE_RELAY_PREFIX_PADDING_MS", 300),
		SilenceDurationMs:   envIntOr("VOICE_RELAY_SILENCE_DURATION_MS", 500),
		TranscriptionModel:  envOr("VOICE_RELAY_TRANSCRIPTION_MODEL", "whisper-1"),
		AllowedOrigins:      make(map[string]struct{}),
		HandshakeTimeout:    envDurationOr("VOICE_RELAY_HANDSHAKE_TIMEOUT", 5*time.Second),
		UpstreamDialTimeout: envDurationOr("VOICE_RELAY_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		WriteTimeout:        envDurationOr("VOICE_RELAY_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:        envDurationOr("VOICE_RELAY_PING_INTERVAL", 20*time.Second),
		CloseGracePeriod:    envDurationOr("VOICE_RELAY_CLOSE_GRACE_PERIOD", 3*time.Second),
		MaxMessageBytes:     envInt64Or("VOICE_RELAY_MAX_MESSAGE_BYTES", 1<<20),
		ReadHeaderTimeout:   envDurationOr("VOICE_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOICE_RELAY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICE_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:    envOr("VOICE_RELAY_METRICS_NAMESPACE", "voice_relay"),
	}

	for _, origin := range splitCSV(os.Getenv("VOICE_RELAY_CORS_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if path := strings.TrimSpace(os.Getenv("VOICE_RELAY_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile overlays a YAML config file onto the env-derived values.
// Only fields present in the file override.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("VOICE_RELAY_ADDR must not be empty")
	}
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return fmt.Errorf("VOICE_RELAY_UPSTREAM_URL must not be empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("VOICE_RELAY_MODEL must not be empty")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("VOICE_RELAY_SAMPLE_RATE must be > 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("VOICE_RELAY_TEMPERATURE must be in [0, 2]")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("VOICE_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.UpstreamDialTimeout <= 0 {
		return fmt.Errorf("VOICE_RELAY_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("VOICE_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("VOICE_RELAY_PING_INTERVAL must be > 0")
	}
	if c.CloseGracePeriod <= 0 {
		return fmt.Errorf("VOICE_RELAY_CLOSE_GRACE_PERIOD must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("VOICE_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICE_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("VOICE_RELAY_READ_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICE_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// UpstreamTarget is the fully-qualified upstream dial URL.
func (c Config) UpstreamTarget() string {
	if strings.Contains(c.UpstreamURL, "?") {
		return c.UpstreamURL
	}
	return c.UpstreamURL + "?model=" + c.Model
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
