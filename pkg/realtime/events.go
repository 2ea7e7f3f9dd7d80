// Package realtime defines the JSON frame protocol spoken with the upstream
// realtime speech model: event type constants, envelope structs for both
// directions, and builders for the client events the pipeline sends.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client event types.
const (
	TypeSessionUpdate            = "session.update"
	TypeInputAudioBufferAppend   = "input_audio_buffer.append"
	TypeInputAudioBufferCommit   = "input_audio_buffer.commit"
	TypeInputAudioBufferClear    = "input_audio_buffer.clear"
	TypeConversationItemCreate   = "conversation.item.create"
	TypeConversationItemTruncate = "conversation.item.truncate"
	TypeConversationItemDelete   = "conversation.item.delete"
	TypeResponseCreate           = "response.create"
	TypeResponseCancel           = "response.cancel"
)

// Server event types.
const (
	TypeError          = "error"
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeConversationItemCreated   = "conversation.item.created"
	TypeConversationItemTruncated = "conversation.item.truncated"
	TypeConversationItemDeleted   = "conversation.item.deleted"

	TypeInputAudioBufferCommitted     = "input_audio_buffer.committed"
	TypeInputAudioBufferCleared       = "input_audio_buffer.cleared"
	TypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	TypeInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	TypeResponseCreated              = "response.created"
	TypeResponseDone                 = "response.done"
	TypeResponseOutputItemAdded      = "response.output_item.added"
	TypeResponseOutputItemDone       = "response.output_item.done"
	TypeResponseAudioDelta           = "response.audio.delta"
	TypeResponseAudioDone            = "response.audio.done"
	TypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone  = "response.audio_transcript.done"
	TypeResponseTextDelta            = "response.text.delta"
	TypeResponseTextDone             = "response.text.done"

	TypeResponseFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	TypeResponseFunctionCallArgumentsDone  = "response.function_call_arguments.done"

	TypeRateLimitsUpdated = "rate_limits.updated"
)

// EventError carries the error payload of an "error" server event.
type EventError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *EventError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Item is a conversation item as carried on the wire.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type,omitempty"` // message, function_call, function_call_output
	Role      string        `json:"role,omitempty"` // user, assistant, system
	Status    string        `json:"status,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one element of an item's ordered content list.
type ContentPart struct {
	Type       string `json:"type,omitempty"` // input_text, input_audio, text, audio
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Response is the response resource embedded in response.* events.
type Response struct {
	ID            string `json:"id,omitempty"`
	Status        string `json:"status,omitempty"`
	StatusDetails any    `json:"status_details,omitempty"`
	Output        []Item `json:"output,omitempty"`
	Usage         *Usage `json:"usage,omitempty"`
}

// RateLimit is one entry of a rate_limits.updated event.
type RateLimit struct {
	Name         string  `json:"name,omitempty"`
	Limit        int     `json:"limit,omitempty"`
	Remaining    int     `json:"remaining,omitempty"`
	ResetSeconds float64 `json:"reset_seconds,omitempty"`
}

// ServerEvent is the envelope for every frame received from the upstream
// model. A single struct with optional fields mirrors the wire format, where
// the "type" discriminator decides which fields are populated.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	Error *EventError `json:"error,omitempty"`

	Session  json.RawMessage `json:"session,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Response *Response       `json:"response,omitempty"`

	ItemID         string `json:"item_id,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ResponseID     string `json:"response_id,omitempty"`
	OutputIndex    int    `json:"output_index,omitempty"`
	ContentIndex   int    `json:"content_index,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Arguments      string `json:"arguments,omitempty"`

	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`

	RateLimits []RateLimit `json:"rate_limits,omitempty"`
}

// DecodeServerEvent parses one inbound frame. Frames without a type
// discriminator are rejected; unknown types decode fine and are left to the
// caller, which keeps the pipeline forward-compatible with new event types.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("decode server event: missing type")
	}
	return &ev, nil
}

// ClientEvent is the envelope for frames sent to the upstream model.
type ClientEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	Audio string `json:"audio,omitempty"`

	Item           *Item  `json:"item,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`

	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	AudioEndMs   int    `json:"audio_end_ms,omitempty"`

	ResponseID string          `json:"response_id,omitempty"`
	Response   *ResponseCreate `json:"response,omitempty"`

	Session *SessionConfig `json:"session,omitempty"`
}

// ResponseCreate is the optional payload of a response.create event.
type ResponseCreate struct {
	Instructions string `json:"instructions,omitempty"`
}

// Encode marshals the event, stamping a fresh event id if none is set.
func (ev *ClientEvent) Encode() ([]byte, error) {
	if ev.EventID == "" {
		ev.EventID = "evt_" + uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode client event: %w", err)
	}
	return data, nil
}

// AppendAudio builds an input_audio_buffer.append event from
// transport-encoded PCM.
func AppendAudio(encoded string) *ClientEvent {
	return &ClientEvent{Type: TypeInputAudioBufferAppend, Audio: encoded}
}

// CreateResponse asks the model to produce the next assistant turn.
// Instructions may be empty.
func CreateResponse(instructions string) *ClientEvent {
	ev := &ClientEvent{Type: TypeResponseCreate}
	if instructions != "" {
		ev.Response = &ResponseCreate{Instructions: instructions}
	}
	return ev
}

// CancelResponse cancels the in-flight response.
func CancelResponse(responseID string) *ClientEvent {
	return &ClientEvent{Type: TypeResponseCancel, ResponseID: responseID}
}

// maxTruncateOffsetMs guards against truncating with a garbage offset from a
// wedged playback pipeline; anything past ~200s of audio is not a plausible
// assistant turn.
const maxTruncateOffsetMs = 200000

// TruncateItem builds a conversation.item.truncate at the played offset.
// It returns nil when the offset is implausible (zero, negative, or past the
// guard ceiling); callers skip truncation then.
func TruncateItem(itemID string, audioEndMs int) *ClientEvent {
	if itemID == "" || audioEndMs <= 0 || audioEndMs >= maxTruncateOffsetMs {
		return nil
	}
	return &ClientEvent{
		Type:         TypeConversationItemTruncate,
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	}
}

// CreateUserMessage builds a conversation.item.create with a user text turn.
func CreateUserMessage(text string) *ClientEvent {
	return &ClientEvent{
		Type: TypeConversationItemCreate,
		Item: &Item{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// CreateFunctionOutput builds a conversation.item.create carrying a tool
// result back to the model.
func CreateFunctionOutput(callID, output string) *ClientEvent {
	return &ClientEvent{
		Type: TypeConversationItemCreate,
		Item: &Item{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}
