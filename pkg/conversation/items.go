// Package conversation implements the client-side session layer above the
// relay: the conversation state machine that consumes upstream protocol
// frames, the bounded event ledger used for diagnostics and memory control,
// and the function-call dispatcher.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voice-relay/pkg/realtime"
)

// ItemStatus is the lifecycle state of one conversation item.
// pending -> completed and pending -> interrupted are the only transitions;
// both are terminal.
type ItemStatus int

const (
	StatusPending ItemStatus = iota
	StatusCompleted
	StatusInterrupted
)

func (s ItemStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ItemKind distinguishes messages from tool traffic.
type ItemKind int

const (
	KindMessage ItemKind = iota
	KindFunctionCall
	KindFunctionCallOutput
)

func (k ItemKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindFunctionCall:
		return "function_call"
	case KindFunctionCallOutput:
		return "function_call_output"
	default:
		return "unknown"
	}
}

// Item is one conversation item: a message, function call, or function call
// output. Deltas mutate it in place until it reaches a terminal status.
type Item struct {
	ID        string
	Role      string
	Kind      ItemKind
	Status    ItemStatus
	Text      string // accumulated text / audio transcript
	CallID    string
	Name      string
	Arguments string
	Output    string
	CreatedAt time.Time
}

// FormattedText is the display projection of the item.
func (it *Item) FormattedText() string {
	return strings.TrimSpace(it.Text)
}

// itemStore holds the ordered item list for one session. All Item field
// access goes through the store lock: the machine's event loop and its timer
// goroutines mutate via update, while snapshot readers may arrive from any
// goroutine.
type itemStore struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Item
}

func newItemStore() *itemStore {
	return &itemStore{byID: make(map[string]*Item)}
}

func (s *itemStore) add(it *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[it.ID]; ok {
		return
	}
	s.byID[it.ID] = it
	s.order = append(s.order, it.ID)
}

// update applies fn to the item under the store lock and reports whether the
// item exists. fn must not retain the *Item past the call.
func (s *itemStore) update(id string, fn func(*Item)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(it)
	return true
}

func (s *itemStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshot returns copies of all items in conversation order.
func (s *itemStore) snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

func (s *itemStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// itemFromWire converts a wire item into the local representation.
func itemFromWire(w *realtime.Item, now time.Time) *Item {
	it := &Item{
		ID:        w.ID,
		Role:      w.Role,
		Status:    StatusPending,
		CallID:    w.CallID,
		Name:      w.Name,
		Arguments: w.Arguments,
		Output:    w.Output,
		CreatedAt: now,
	}
	switch w.Type {
	case "function_call":
		it.Kind = KindFunctionCall
	case "function_call_output":
		it.Kind = KindFunctionCallOutput
	default:
		it.Kind = KindMessage
	}
	if w.Status == "completed" {
		it.Status = StatusCompleted
	}
	for _, part := range w.Content {
		if part.Text != "" {
			it.Text += part.Text
		} else if part.Transcript != "" {
			it.Text += part.Transcript
		}
	}
	return it
}
