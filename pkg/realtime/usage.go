package realtime

// Usage is the token accounting attached to response.done.
type Usage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	InputTokenDetails struct {
		CachedTokens int `json:"cached_tokens"`
		TextTokens   int `json:"text_tokens"`
		AudioTokens  int `json:"audio_tokens"`
	} `json:"input_token_details"`

	OutputTokenDetails struct {
		TextTokens  int `json:"text_tokens"`
		AudioTokens int `json:"audio_tokens"`
	} `json:"output_token_details"`
}

// UsageDelta is the flattened form handed to the usage-metering collaborator.
type UsageDelta struct {
	TotalTokens       int
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	TextInputTokens   int
	AudioInputTokens  int
	TextOutputTokens  int
	AudioOutputTokens int
}

// ExtractUsage pulls the usage accounting out of a response.done event.
// It returns false when the event carries no usage block.
func ExtractUsage(ev *ServerEvent) (UsageDelta, bool) {
	if ev == nil || ev.Response == nil || ev.Response.Usage == nil {
		return UsageDelta{}, false
	}
	u := ev.Response.Usage
	return UsageDelta{
		TotalTokens:       u.TotalTokens,
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.InputTokenDetails.CachedTokens,
		TextInputTokens:   u.InputTokenDetails.TextTokens,
		AudioInputTokens:  u.InputTokenDetails.AudioTokens,
		TextOutputTokens:  u.OutputTokenDetails.TextTokens,
		AudioOutputTokens: u.OutputTokenDetails.AudioTokens,
	}, true
}
