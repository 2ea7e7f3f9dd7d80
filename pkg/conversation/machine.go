package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voice-relay/pkg/audio"
	"github.com/vango-go/voice-relay/pkg/realtime"
)

// SessionState is the lifecycle state of one live session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateStreaming
	StateInterrupted
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionContext identifies one session for the external collaborators.
type SessionContext struct {
	SessionID      string
	ConversationID string
	StartedAt      time.Time
}

// Store persists conversation items. Failures never break the live session;
// they are logged and dropped.
type Store interface {
	SaveItem(ctx context.Context, item Item, sess SessionContext) error
	LoadHistory(ctx context.Context, sess SessionContext) ([]Item, error)
}

// Meter receives token usage accounting.
type Meter interface {
	RecordUsage(ctx context.Context, delta realtime.UsageDelta, sess SessionContext) error
}

// ToolHandler executes model-issued tool invocations.
type ToolHandler interface {
	Invoke(ctx context.Context, name string, args map[string]any, sess SessionContext) (string, error)
}

// Player is the playback pipeline as seen by the machine.
// *audio.StreamPlayer satisfies it.
type Player interface {
	Write(trackID string, pcm []byte) error
	Flush()
	Interrupt(requestID string) audio.Ended
	Resume()
	Connected() bool
	Disconnect()
	Reset()
}

// Sender pushes client events to the upstream model through the relay.
type Sender interface {
	Send(ev *realtime.ClientEvent) error
}

// NoticeKind tags out-of-band notifications emitted to the session owner.
type NoticeKind int

const (
	NoticeStateChanged NoticeKind = iota
	NoticeReconnect
	NoticeError
	NoticeTrackEnded
)

// Notice is an out-of-band notification. Delivery is best-effort: if the
// owner is not reading, notices are dropped rather than blocking the event
// loop.
type Notice struct {
	Kind  NoticeKind
	State SessionState
	Class ErrorClass
	Err   error
	Ended audio.Ended
}

// Config holds the machine's timing knobs. Zero values take defaults.
type Config struct {
	// ResponseTimeout is the watchdog window re-armed on every delta.
	ResponseTimeout time.Duration
	// FlushTimeout bounds the playback flush during interruption.
	FlushTimeout time.Duration
	// InterruptTimeout bounds the full interruption sequence.
	InterruptTimeout time.Duration
	// InterruptDebounce suppresses speech-started storms.
	InterruptDebounce time.Duration
	// SampleRate converts playback sample offsets to milliseconds.
	SampleRate int
	// Session configures the upstream session after session.created.
	Session realtime.SessionOptions
}

func (c *Config) applyDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 2 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = 2 * time.Second
	}
	if c.InterruptDebounce <= 0 {
		c.InterruptDebounce = time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
}

// Dependencies are the machine's collaborators. Player, Sender, and Ledger
// are required; the rest degrade to no-ops when nil.
type Dependencies struct {
	Store  Store
	Meter  Meter
	Tools  ToolHandler
	Player Player
	Sender Sender
	Ledger *Ledger
	Logger *slog.Logger
}

// apologyText is the fallback assistant utterance injected when a tool call
// or audio recovery fails beyond repair.
const apologyText = "I apologize, but I encountered an error while processing your request."

// Machine is the conversation state machine for one session. It consumes
// inbound protocol frames in arrival order on a single goroutine, maintains
// the ordered item list and the per-item audio tracks, and drives
// interruption and function-call dispatch.
type Machine struct {
	cfg  Config
	deps Dependencies
	sess SessionContext

	mu                sync.Mutex
	state             SessionState
	items             *itemStore
	tracks            map[string]*track
	watchdogs         map[string]*time.Timer
	inFlightResponse  string
	lastAssistantItem string
	lastInterrupt     time.Time
	rateLimits        []realtime.RateLimit

	dispatcher *Dispatcher
	notices    chan Notice
	closed     atomic.Bool
	now        func() time.Time
}

// New builds a machine for one session.
func New(sess SessionContext, cfg Config, deps Dependencies) (*Machine, error) {
	if deps.Player == nil {
		return nil, errors.New("conversation: missing Player dependency")
	}
	if deps.Sender == nil {
		return nil, errors.New("conversation: missing Sender dependency")
	}
	if deps.Ledger == nil {
		return nil, errors.New("conversation: missing Ledger dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("session_id", sess.SessionID)
	cfg.applyDefaults()

	m := &Machine{
		cfg:       cfg,
		deps:      deps,
		sess:      sess,
		state:     StateConnecting,
		items:     newItemStore(),
		tracks:    make(map[string]*track),
		watchdogs: make(map[string]*time.Timer),
		notices:   make(chan Notice, 100),
		now:       time.Now,
	}
	m.dispatcher = newDispatcher(deps.Tools, deps.Store, m.send, deps.Logger, sess)
	return m, nil
}

// Notices returns the out-of-band notification channel.
func (m *Machine) Notices() <-chan Notice {
	return m.notices
}

// State returns the current session state.
func (m *Machine) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Items returns a snapshot of the conversation in order.
func (m *Machine) Items() []Item {
	return m.items.snapshot()
}

// RateLimits returns the most recent upstream rate-limit report.
func (m *Machine) RateLimits() []realtime.RateLimit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]realtime.RateLimit, len(m.rateLimits))
	copy(out, m.rateLimits)
	return out
}

func (m *Machine) setState(s SessionState) {
	m.mu.Lock()
	if m.state == s || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emit(Notice{Kind: NoticeStateChanged, State: s})
}

func (m *Machine) emit(n Notice) {
	select {
	case m.notices <- n:
	default:
		// Owner not reading; drop rather than stall the event loop.
	}
}

// send records the outbound frame in the ledger and hands it to the relay.
func (m *Machine) send(ev *realtime.ClientEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	m.deps.Ledger.Append(SourceClient, ev.Type, len(data))
	return m.deps.Sender.Send(ev)
}

// HandleFrame consumes one raw inbound frame. Frames are processed strictly
// in call order; the caller must not invoke it concurrently.
func (m *Machine) HandleFrame(ctx context.Context, data []byte) error {
	if m.closed.Load() {
		return nil
	}

	ev, err := realtime.DecodeServerEvent(data)
	if err != nil {
		m.deps.Ledger.Append(SourceServer, "malformed", len(data))
		return err
	}

	rec := m.deps.Ledger.Append(SourceServer, ev.Type, len(data))
	if rec.IsAudioEvent && !m.deps.Ledger.Sweeping() {
		m.deps.Ledger.StartSweep()
	}

	err = m.handleEvent(ctx, ev)
	m.deps.Ledger.MarkProcessed(ev.Type)
	return err
}

func (m *Machine) handleEvent(ctx context.Context, ev *realtime.ServerEvent) error {
	switch ev.Type {
	case realtime.TypeSessionCreated:
		return m.handleSessionCreated(ctx)
	case realtime.TypeConversationItemCreated:
		return m.handleItemCreated(ctx, ev)
	case realtime.TypeResponseCreated:
		m.handleResponseCreated(ev)
	case realtime.TypeResponseAudioDelta:
		return m.handleAudioDelta(ev)
	case realtime.TypeResponseAudioDone:
		m.handleAudioDone(ev)
	case realtime.TypeResponseAudioTranscriptDelta, realtime.TypeResponseTextDelta:
		m.handleTextDelta(ev)
	case realtime.TypeResponseAudioTranscriptDone:
		m.handleTranscriptDone(ev)
	case realtime.TypeResponseOutputItemDone:
		m.handleOutputItemDone(ev)
	case realtime.TypeResponseDone:
		m.handleResponseDone(ctx, ev)
	case realtime.TypeInputAudioBufferSpeechStarted:
		return m.handleSpeechStarted()
	case realtime.TypeResponseFunctionCallArgumentsDone:
		return m.handleFunctionCall(ctx, ev)
	case realtime.TypeRateLimitsUpdated:
		m.handleRateLimits(ev)
	case realtime.TypeError:
		return m.handleError(ev)
	default:
		m.deps.Logger.Debug("unhandled event", "type", ev.Type)
	}
	return nil
}

func (m *Machine) handleSessionCreated(ctx context.Context) error {
	m.setState(StateOpen)

	if err := m.send(realtime.SessionUpdate(m.cfg.Session)); err != nil {
		return fmt.Errorf("send session update: %w", err)
	}

	if m.deps.Store != nil {
		// Fire-and-forget: history is a convenience, not a dependency.
		go func() {
			items, err := m.deps.Store.LoadHistory(ctx, m.sess)
			if err != nil {
				m.deps.Logger.Warn("load history failed", "error", err)
				return
			}
			for i := range items {
				m.items.add(&items[i])
			}
		}()
	}
	return nil
}

func (m *Machine) handleItemCreated(ctx context.Context, ev *realtime.ServerEvent) error {
	if ev.Item == nil || ev.Item.ID == "" {
		return nil
	}
	it := itemFromWire(ev.Item, m.now())
	m.items.add(it)

	if it.Role == "assistant" {
		m.mu.Lock()
		m.lastAssistantItem = it.ID
		m.mu.Unlock()
	}

	m.persist(ctx, *it)
	return nil
}

// persist saves an item without blocking the event loop. Storage failure is
// logged and otherwise ignored.
func (m *Machine) persist(ctx context.Context, it Item) {
	if m.deps.Store == nil {
		return
	}
	go func() {
		if err := m.deps.Store.SaveItem(ctx, it, m.sess); err != nil {
			m.deps.Logger.Warn("persist item failed", "item_id", it.ID, "error", err)
		}
	}()
}

func (m *Machine) handleResponseCreated(ev *realtime.ServerEvent) {
	if ev.Response == nil {
		return
	}
	m.mu.Lock()
	m.inFlightResponse = ev.Response.ID
	m.mu.Unlock()
}

func (m *Machine) handleAudioDelta(ev *realtime.ServerEvent) error {
	if ev.ItemID == "" || ev.Delta == "" {
		return nil
	}

	now := m.now()
	m.mu.Lock()
	tr := m.tracks[ev.ItemID]
	if tr == nil {
		tr = &track{itemID: ev.ItemID, startedAt: now}
		m.tracks[ev.ItemID] = tr
		m.lastAssistantItem = ev.ItemID
	}
	if tr.interrupted {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	pcm, err := audio.DecodeAudio(ev.Delta)
	if err != nil {
		return fmt.Errorf("audio delta for %s: %w", ev.ItemID, err)
	}

	if err := m.writeAudio(ev.ItemID, pcm); err != nil {
		m.emit(Notice{Kind: NoticeError, Class: ErrorAudio, Err: err})
		return err
	}

	m.mu.Lock()
	if tr.addChunk(len(pcm), now) {
		m.deps.Logger.Debug("track chunk bookkeeping trimmed", "item_id", ev.ItemID)
	}
	m.mu.Unlock()

	m.armWatchdog(ev.ItemID)
	m.setState(StateStreaming)
	return nil
}

// writeAudio hands PCM to the player with the two-state retry policy: one
// attempt, then one bounded retry after a reset, then surface the failure.
func (m *Machine) writeAudio(trackID string, pcm []byte) error {
	if !m.deps.Player.Connected() {
		m.deps.Player.Reset()
	}
	err := m.deps.Player.Write(trackID, pcm)
	if errors.Is(err, audio.ErrPlayerDisconnected) {
		m.deps.Player.Reset()
		err = m.deps.Player.Write(trackID, pcm)
	}
	if err != nil {
		return fmt.Errorf("playback write for %s: %w", trackID, err)
	}
	return nil
}

func (m *Machine) handleAudioDone(ev *realtime.ServerEvent) {
	if ev.ItemID == "" {
		return
	}
	m.mu.Lock()
	m.teardownTrackLocked(ev.ItemID)
	m.mu.Unlock()
}

func (m *Machine) handleTextDelta(ev *realtime.ServerEvent) {
	if ev.ItemID == "" || ev.Delta == "" {
		return
	}
	m.items.update(ev.ItemID, func(it *Item) {
		if it.Status == StatusPending {
			it.Text += ev.Delta
		}
	})
	m.armWatchdog(ev.ItemID)
}

func (m *Machine) handleTranscriptDone(ev *realtime.ServerEvent) {
	if ev.ItemID == "" || ev.Transcript == "" {
		return
	}
	m.items.update(ev.ItemID, func(it *Item) {
		if it.Status == StatusPending {
			it.Text = ev.Transcript
		}
	})
	m.stopWatchdog(ev.ItemID)
}

func (m *Machine) handleOutputItemDone(ev *realtime.ServerEvent) {
	if ev.Item == nil || ev.Item.ID == "" {
		return
	}
	m.completeItem(ev.Item.ID)
}

// completeItem moves a pending item to completed. Terminal states stay put.
func (m *Machine) completeItem(id string) {
	m.stopWatchdog(id)
	m.items.update(id, func(it *Item) {
		if it.Status == StatusPending {
			it.Status = StatusCompleted
		}
	})
	m.mu.Lock()
	m.teardownTrackLocked(id)
	m.mu.Unlock()
}

func (m *Machine) handleResponseDone(ctx context.Context, ev *realtime.ServerEvent) {
	if usage, ok := realtime.ExtractUsage(ev); ok && m.deps.Meter != nil {
		go func() {
			if err := m.deps.Meter.RecordUsage(ctx, usage, m.sess); err != nil {
				m.deps.Logger.Warn("record usage failed", "error", err)
			}
		}()
	}

	m.mu.Lock()
	m.inFlightResponse = ""
	m.mu.Unlock()

	if ev.Response != nil {
		for _, out := range ev.Response.Output {
			if out.ID != "" {
				m.completeItem(out.ID)
			}
		}
	}
	m.setState(StateOpen)
}

func (m *Machine) handleRateLimits(ev *realtime.ServerEvent) {
	m.mu.Lock()
	m.rateLimits = ev.RateLimits
	m.mu.Unlock()
	for _, rl := range ev.RateLimits {
		if rl.Limit > 0 && rl.Remaining*10 < rl.Limit {
			m.deps.Logger.Warn("rate limit low", "name", rl.Name,
				"remaining", rl.Remaining, "limit", rl.Limit)
		}
	}
}

// handleSpeechStarted is the interruption path: the user began speaking
// while assistant audio may still be playing. Every step is bounded by a
// timeout; a stalled audio subsystem must never block the conversation.
func (m *Machine) handleSpeechStarted() error {
	now := m.now()
	m.mu.Lock()
	if now.Sub(m.lastInterrupt) < m.cfg.InterruptDebounce {
		m.mu.Unlock()
		return nil
	}
	m.lastInterrupt = now
	respID := m.inFlightResponse
	m.inFlightResponse = ""
	m.mu.Unlock()

	if respID != "" {
		if err := m.send(realtime.CancelResponse(respID)); err != nil {
			m.deps.Logger.Warn("cancel response failed", "response_id", respID, "error", err)
		}
	}

	// Race 1: flush against a short deadline; a wedged flush forces a hard
	// device disconnect.
	flushed := make(chan struct{})
	go func() {
		m.deps.Player.Flush()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(m.cfg.FlushTimeout):
		m.deps.Logger.Warn("playback flush timed out, forcing disconnect")
		m.deps.Player.Disconnect()
	}

	// Race 2: the full interruption sequence against a longer deadline; on
	// timeout, reset and reconnect the player wholesale.
	done := make(chan struct{})
	go func() {
		m.interruptPlayback()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.InterruptTimeout):
		m.deps.Logger.Warn("interruption sequence timed out, resetting player")
		m.deps.Player.Reset()
	}

	m.setState(StateInterrupted)
	return nil
}

// interruptPlayback stops the current track, reconciles the transcript
// position upstream, and marks the affected item interrupted.
func (m *Machine) interruptPlayback() {
	ended := m.deps.Player.Interrupt("req_" + uuid.NewString())
	m.emit(Notice{Kind: NoticeTrackEnded, Ended: ended})

	if ended.TrackID != "" {
		offsetMs := int(ended.Offset * 1000 / int64(m.cfg.SampleRate))
		if ev := realtime.TruncateItem(ended.TrackID, offsetMs); ev != nil {
			if err := m.send(ev); err != nil {
				m.deps.Logger.Warn("truncate failed", "item_id", ended.TrackID, "error", err)
			}
		}
		m.markInterrupted(ended.TrackID, "")
	}
}

// markInterrupted forces an item to the interrupted terminal state, exactly
// once; completed items are left alone.
func (m *Machine) markInterrupted(itemID, note string) {
	m.stopWatchdog(itemID)

	m.mu.Lock()
	if tr := m.tracks[itemID]; tr != nil {
		tr.interrupted = true
	}
	m.teardownTrackLocked(itemID)
	m.mu.Unlock()

	changed := false
	m.items.update(itemID, func(it *Item) {
		if it.Status == StatusPending {
			it.Status = StatusInterrupted
			it.Text += note
			changed = true
		}
	})
	if changed {
		m.deps.Logger.Info("item interrupted", "item_id", itemID)
	}
}

// teardownTrackLocked removes the per-item audio bookkeeping. When the last
// track goes away the ledger's periodic sweep stops with it.
func (m *Machine) teardownTrackLocked(itemID string) {
	if _, ok := m.tracks[itemID]; !ok {
		return
	}
	delete(m.tracks, itemID)
	if len(m.tracks) == 0 {
		m.deps.Ledger.StopSweep()
	}
}

// armWatchdog starts or re-arms the per-item progress timer. If it fires
// before the item completes, the item is forced to interrupted with a
// recovery note.
func (m *Machine) armWatchdog(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.watchdogs[itemID]; ok {
		t.Reset(m.cfg.ResponseTimeout)
		return
	}
	m.watchdogs[itemID] = time.AfterFunc(m.cfg.ResponseTimeout, func() {
		m.watchdogFired(itemID)
	})
}

func (m *Machine) stopWatchdog(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.watchdogs[itemID]; ok {
		t.Stop()
		delete(m.watchdogs, itemID)
	}
}

func (m *Machine) watchdogFired(itemID string) {
	if m.closed.Load() {
		return
	}
	m.mu.Lock()
	delete(m.watchdogs, itemID)
	m.inFlightResponse = ""
	m.mu.Unlock()

	m.deps.Logger.Warn("response watchdog fired", "item_id", itemID)
	m.markInterrupted(itemID, " (Response interrupted due to timeout)")
	m.emit(Notice{Kind: NoticeError, Class: ErrorCancellation,
		Err: fmt.Errorf("response timed out for item %s", itemID)})
}

func (m *Machine) handleFunctionCall(ctx context.Context, ev *realtime.ServerEvent) error {
	err := m.dispatcher.Dispatch(ctx, ev.CallID, ev.Name, ev.Arguments)
	if err == nil {
		return nil
	}

	m.deps.Logger.Error("function call failed", "name", ev.Name, "error", err)
	m.sendApology()
	return fmt.Errorf("dispatch %s: %w", ev.Name, err)
}

// sendApology injects a generic assistant apology and asks the model to
// speak it, so the user hears a graceful failure instead of silence.
func (m *Machine) sendApology() {
	apology := &realtime.ClientEvent{
		Type: realtime.TypeConversationItemCreate,
		Item: &realtime.Item{
			Type:    "message",
			Role:    "assistant",
			Content: []realtime.ContentPart{{Type: "text", Text: apologyText}},
		},
	}
	if err := m.send(apology); err != nil {
		m.deps.Logger.Warn("send apology failed", "error", err)
		return
	}
	if err := m.send(realtime.CreateResponse("")); err != nil {
		m.deps.Logger.Warn("send apology response failed", "error", err)
	}
}

func (m *Machine) handleError(ev *realtime.ServerEvent) error {
	class := classifyError(ev.Error)
	m.deps.Logger.Error("upstream error", "class", class.String(),
		"code", errCode(ev.Error), "message", errMessage(ev.Error))

	switch class {
	case ErrorItemNotFound:
		// Protocol repair: drop the dangling item reference and move on.
		m.mu.Lock()
		dangling := m.lastAssistantItem
		m.lastAssistantItem = ""
		m.teardownTrackLocked(dangling)
		m.mu.Unlock()
		if dangling != "" {
			m.items.remove(dangling)
		}
		return nil

	case ErrorCancellation:
		m.mu.Lock()
		itemID := m.lastAssistantItem
		m.inFlightResponse = ""
		m.mu.Unlock()
		if itemID != "" {
			m.markInterrupted(itemID, "")
		}
		m.deps.Player.Reset()
		return nil

	case ErrorNetwork:
		m.emit(Notice{Kind: NoticeReconnect, Class: class, Err: ev.Error})
		return ev.Error

	case ErrorAudio:
		m.deps.Player.Reset()
		m.emit(Notice{Kind: NoticeError, Class: class, Err: ev.Error})
		return nil

	default:
		m.emit(Notice{Kind: NoticeError, Class: class, Err: ev.Error})
		return ev.Error
	}
}

func errCode(e *realtime.EventError) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func errMessage(e *realtime.EventError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

// SendUserMessage pushes a typed user turn upstream and asks for a response.
func (m *Machine) SendUserMessage(text string) error {
	if err := m.send(realtime.CreateUserMessage(text)); err != nil {
		return err
	}
	return m.send(realtime.CreateResponse(""))
}

// SendAudio forwards one captured chunk upstream.
func (m *Machine) SendAudio(pcm []byte) error {
	return m.send(realtime.AppendAudio(audio.EncodeAudio(pcm)))
}

// Close tears the machine down: watchdogs stopped, tracks dropped, sweep
// halted. Safe to call more than once.
func (m *Machine) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.mu.Lock()
	for id, t := range m.watchdogs {
		t.Stop()
		delete(m.watchdogs, id)
	}
	for id := range m.tracks {
		delete(m.tracks, id)
	}
	m.state = StateClosed
	m.mu.Unlock()
	m.deps.Ledger.StopSweep()
}
