package audio

import (
	"errors"
	"sync"
)

const (
	// MaxBufferSize bounds the total queued playback audio in bytes.
	MaxBufferSize = 1 << 20
	// CleanupThreshold is the level eviction drains to when a write would
	// overflow the buffer: 80% of MaxBufferSize.
	CleanupThreshold = MaxBufferSize * 8 / 10

	// sampleCounterCeiling is where the processed-sample counter is reset.
	// Far below the int64 ceiling so long sessions never overflow silently.
	sampleCounterCeiling = int64(1) << 52
)

// ErrPlayerDisconnected is returned by Write when the output device is gone.
// Callers retry once after Reset before surfacing the failure.
var ErrPlayerDisconnected = errors.New("audio: player disconnected")

// Ended is the terminal notification emitted when a track is interrupted.
// Offset is the number of samples of the track that were already played.
type Ended struct {
	TrackID   string
	RequestID string
	Offset    int64
}

type trackChunk struct {
	trackID string
	pcm     []byte
}

// StreamPlayer is the playback pipeline: a bounded queue of PCM chunks
// drained into the output device in arrival order, one track at a time.
// All mutation happens under one lock; the audio device interacts only
// through Drain.
type StreamPlayer struct {
	mu           sync.Mutex
	queue        []trackChunk
	totalBytes   int
	playing      bool
	connected    bool
	currentTrack string

	processedSamples int64 // across the session, periodically reset
	trackSamples     int64 // within the current track
}

// NewStreamPlayer returns a connected, idle player.
func NewStreamPlayer() *StreamPlayer {
	return &StreamPlayer{connected: true}
}

// Write appends a PCM chunk for the given track. If the post-write total
// would reach MaxBufferSize, the oldest chunks are evicted until the total
// including the new chunk is at or below CleanupThreshold.
func (p *StreamPlayer) Write(trackID string, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrPlayerDisconnected
	}

	if p.totalBytes+len(pcm) >= MaxBufferSize {
		for len(p.queue) > 0 && p.totalBytes+len(pcm) > CleanupThreshold {
			p.totalBytes -= len(p.queue[0].pcm)
			p.queue = p.queue[1:]
		}
	}

	p.queue = append(p.queue, trackChunk{trackID: trackID, pcm: pcm})
	p.totalBytes += len(pcm)
	if p.currentTrack == "" {
		p.currentTrack = trackID
	}
	p.playing = true
	return nil
}

// Drain hands up to max bytes of queued audio to the output device and
// advances the processed-sample counters. It returns nil when the player is
// idle or the queue is empty; the device plays silence then.
func (p *StreamPlayer) Drain(max int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing || !p.connected || len(p.queue) == 0 || max <= 0 {
		return nil
	}

	out := make([]byte, 0, max)
	for len(out) < max && len(p.queue) > 0 {
		head := &p.queue[0]
		if head.trackID != p.currentTrack {
			// Track boundary: restart the per-track offset.
			p.currentTrack = head.trackID
			p.trackSamples = 0
		}
		take := max - len(out)
		if take > len(head.pcm) {
			take = len(head.pcm)
		}
		out = append(out, head.pcm[:take]...)
		head.pcm = head.pcm[take:]
		p.totalBytes -= take
		p.advanceSamples(int64(take) / 2)
		if len(head.pcm) == 0 {
			p.queue = p.queue[1:]
		}
	}
	if len(p.queue) == 0 {
		p.playing = false
	}
	return out
}

func (p *StreamPlayer) advanceSamples(n int64) {
	p.processedSamples += n
	p.trackSamples += n
	if p.processedSamples >= sampleCounterCeiling {
		p.processedSamples = 0
	}
}

// Flush drops all buffered, not-yet-played audio. The output device keeps
// running; with an empty queue it produces silence.
func (p *StreamPlayer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropQueueLocked()
}

func (p *StreamPlayer) dropQueueLocked() {
	p.queue = nil
	p.totalBytes = 0
	p.playing = false
}

// Interrupt flushes like Flush but reports how far playback got into the
// current track so the caller can reconcile the transcript position.
func (p *StreamPlayer) Interrupt(requestID string) Ended {
	p.mu.Lock()
	defer p.mu.Unlock()

	ended := Ended{
		TrackID:   p.currentTrack,
		RequestID: requestID,
		Offset:    p.trackSamples,
	}
	p.dropQueueLocked()
	p.currentTrack = ""
	p.trackSamples = 0
	return ended
}

// Resume re-arms playback if chunks remain queued after an interrupt.
func (p *StreamPlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		p.playing = true
	}
}

// Connected reports whether the output device is attached.
func (p *StreamPlayer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Disconnect detaches the output device. Subsequent writes fail with
// ErrPlayerDisconnected until Reset.
func (p *StreamPlayer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.playing = false
}

// Reset reattaches the device with an empty queue and zeroed counters.
func (p *StreamPlayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropQueueLocked()
	p.currentTrack = ""
	p.processedSamples = 0
	p.trackSamples = 0
	p.connected = true
}

// BufferedBytes returns the total queued audio in bytes.
func (p *StreamPlayer) BufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBytes
}

// ProcessedSamples returns the session-wide processed-sample counter.
func (p *StreamPlayer) ProcessedSamples() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processedSamples
}

// TrackOffset returns the processed-sample offset within the current track.
func (p *StreamPlayer) TrackOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackSamples
}

// Playing reports whether the player is actively draining audio.
func (p *StreamPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
