package conversation

import (
	"strings"

	"github.com/vango-go/voice-relay/pkg/realtime"
)

// ErrorClass buckets upstream error events by the local recovery they need.
type ErrorClass int

const (
	// ErrorOther is surfaced generically.
	ErrorOther ErrorClass = iota
	// ErrorCancellation: a cancellation attempt failed upstream; force the
	// affected item to interrupted and reset audio.
	ErrorCancellation
	// ErrorNetwork: connection-level trouble; signal the owner to reconnect.
	ErrorNetwork
	// ErrorAudio: audio subsystem trouble; reset and reconnect the player.
	ErrorAudio
	// ErrorItemNotFound: protocol repair; drop the dangling item reference.
	ErrorItemNotFound
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorCancellation:
		return "cancellation"
	case ErrorNetwork:
		return "network"
	case ErrorAudio:
		return "audio"
	case ErrorItemNotFound:
		return "item_not_found"
	default:
		return "other"
	}
}

// classifyError maps an upstream error event to its recovery class.
// No class is swallowed: the caller logs every error to the ledger before
// acting on the classification.
func classifyError(e *realtime.EventError) ErrorClass {
	if e == nil {
		return ErrorOther
	}
	msg := strings.ToLower(e.Message)
	code := strings.ToLower(e.Code)

	switch {
	case code == "item_not_found" || strings.Contains(msg, "item not found"):
		return ErrorItemNotFound
	case strings.Contains(msg, "cancel") || strings.Contains(code, "cancel"):
		return ErrorCancellation
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "websocket") || strings.Contains(msg, "socket"):
		return ErrorNetwork
	case strings.Contains(msg, "audio") || strings.Contains(msg, "buffer"):
		return ErrorAudio
	default:
		return ErrorOther
	}
}
