package realtime

// Turn-detection floors. Configured values below these are ignored in favor
// of the floor: more aggressive settings make the server-side VAD fire on
// breaths and playback bleed, which turns every assistant turn into an
// interruption storm.
const (
	MinTurnDetectionThreshold = 0.4
	MinPrefixPaddingMs        = 300
	MinSilenceDurationMs      = 500
)

// TurnDetection configures the upstream server-side voice activity detector.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Tool describes one function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the session.update payload.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// Transcription selects the model used to transcribe user audio.
type Transcription struct {
	Model string `json:"model,omitempty"`
}

// SessionOptions are the tunable knobs exposed through configuration.
type SessionOptions struct {
	Instructions       string
	Voice              string
	Temperature        float64
	VADThreshold       float64
	PrefixPaddingMs    int
	SilenceDurationMs  int
	TranscriptionModel string
	Tools              []Tool
}

// SessionUpdate builds the session.update event sent right after
// session.created. Turn-detection values below the floors are clamped up.
func SessionUpdate(opts SessionOptions) *ClientEvent {
	threshold := opts.VADThreshold
	if threshold < MinTurnDetectionThreshold {
		threshold = MinTurnDetectionThreshold
	}
	prefix := opts.PrefixPaddingMs
	if prefix < MinPrefixPaddingMs {
		prefix = MinPrefixPaddingMs
	}
	silence := opts.SilenceDurationMs
	if silence < MinSilenceDurationMs {
		silence = MinSilenceDurationMs
	}

	cfg := &SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      opts.Instructions,
		Voice:             opts.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         threshold,
			PrefixPaddingMs:   prefix,
			SilenceDurationMs: silence,
		},
		Tools:       opts.Tools,
		Temperature: opts.Temperature,
	}
	if opts.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &Transcription{Model: opts.TranscriptionModel}
	}
	if len(cfg.Tools) > 0 {
		cfg.ToolChoice = "auto"
	}
	return &ClientEvent{Type: TypeSessionUpdate, Session: cfg}
}
