package audio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelOutOfRange is returned when a caller asks for a channel index
// the recorder does not have.
var ErrChannelOutOfRange = errors.New("audio: channel out of range")

// DefaultChunkSize is the number of samples accumulated before a chunk is
// emitted to the main execution context.
const DefaultChunkSize = 4096

// Chunk is one fixed-size block of captured audio. Raw carries every channel
// interleaved as 16-bit PCM; Mono carries the down-mix so the relay only has
// to transport one channel.
type Chunk struct {
	Mono []byte
	Raw  []byte
}

// ExportedAudio is the result of flushing a recorder: the full buffered
// capture as one contiguous PCM blob plus the mono down-mix.
type ExportedAudio struct {
	Raw     []byte
	Mono    []byte
	Samples int
}

// RecorderConfig controls capture behavior.
type RecorderConfig struct {
	// ChunkSize is the chunk length in samples per channel.
	ChunkSize int
	// Channels is the number of input channels.
	Channels int
}

// Recorder accumulates microphone samples and emits fixed-size chunks.
// Leading silence is discarded: buffering begins at the first non-zero
// sample observed on any channel. Chunks are delivered on the channel
// returned by Chunks; the recorder never drops a chunk, so a stalled
// consumer backpressures Process.
type Recorder struct {
	mu         sync.Mutex
	cfg        RecorderConfig
	recording  bool
	foundAudio bool
	channels   [][]float32 // buffered samples per channel since start/clear
	emitted    int         // samples per channel already chunked out
	chunks     chan Chunk
}

// NewRecorder creates a recorder. Zero config fields take defaults
// (4096-sample chunks, one channel).
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	r := &Recorder{
		cfg:    cfg,
		chunks: make(chan Chunk, 16),
	}
	r.reset()
	return r
}

func (r *Recorder) reset() {
	r.foundAudio = false
	r.emitted = 0
	r.channels = make([][]float32, r.cfg.Channels)
	for i := range r.channels {
		r.channels[i] = nil
	}
}

// Chunks returns the channel on which capture chunks are delivered.
func (r *Recorder) Chunks() <-chan Chunk {
	return r.chunks
}

// Start begins buffering incoming frames.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
}

// Stop halts buffering. Already-buffered audio is retained for Export.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
}

// Recording reports whether the recorder is currently buffering.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Clear discards all buffered audio and re-arms silence detection.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

// Process ingests one frame of per-channel float samples. Frames arriving
// while the recorder is stopped are ignored. Until the first non-zero sample
// is observed the frame is discarded, not buffered; the frame containing the
// first non-zero sample is buffered from that sample onward.
func (r *Recorder) Process(frame [][]float32) error {
	if len(frame) == 0 {
		return nil
	}
	if len(frame) > r.cfg.Channels {
		return fmt.Errorf("%w: frame has %d channels, recorder has %d",
			ErrChannelOutOfRange, len(frame), r.cfg.Channels)
	}

	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}

	start := 0
	if !r.foundAudio {
		idx := firstNonZero(frame)
		if idx < 0 {
			r.mu.Unlock()
			return nil
		}
		r.foundAudio = true
		start = idx
	}

	for ch := range r.channels {
		if ch < len(frame) {
			r.channels[ch] = append(r.channels[ch], frame[ch][start:]...)
		} else {
			// Missing channels contribute silence so lengths stay aligned.
			r.channels[ch] = append(r.channels[ch], make([]float32, len(frame[0])-start)...)
		}
	}

	var out []Chunk
	for len(r.channels[0])-r.emitted >= r.cfg.ChunkSize {
		out = append(out, r.buildChunk(r.emitted, r.emitted+r.cfg.ChunkSize))
		r.emitted += r.cfg.ChunkSize
	}
	r.mu.Unlock()

	for _, c := range out {
		r.chunks <- c
	}
	return nil
}

// buildChunk encodes samples [from, to) of every channel. Caller holds mu.
func (r *Recorder) buildChunk(from, to int) Chunk {
	section := make([][]float32, len(r.channels))
	for i, ch := range r.channels {
		section[i] = ch[from:to]
	}
	return Chunk{
		Mono: FloatTo16BitPCM(DownmixMono(section)),
		Raw:  FloatTo16BitPCM(interleave(section)),
	}
}

// Export flushes all buffered audio as one contiguous 16-bit PCM blob plus
// a mono down-mix. The buffer is not cleared; call Clear to discard it.
func (r *Recorder) Export() ExportedAudio {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ExportedAudio{
		Raw:     FloatTo16BitPCM(interleave(r.channels)),
		Mono:    FloatTo16BitPCM(DownmixMono(r.channels)),
		Samples: len(r.channels[0]),
	}
}

// ReadChannel returns a copy of the buffered samples for one channel.
// Requesting a channel beyond what the recorder captures fails with
// ErrChannelOutOfRange rather than clamping.
func (r *Recorder) ReadChannel(i int) ([]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.channels) {
		return nil, fmt.Errorf("%w: channel %d of %d", ErrChannelOutOfRange, i, len(r.channels))
	}
	out := make([]float32, len(r.channels[i]))
	copy(out, r.channels[i])
	return out, nil
}

// firstNonZero returns the index of the first sample that is non-zero on any
// channel, or -1 if the whole frame is silent.
func firstNonZero(frame [][]float32) int {
	n := 0
	for _, ch := range frame {
		if len(ch) > n {
			n = len(ch)
		}
	}
	for i := 0; i < n; i++ {
		for _, ch := range frame {
			if i < len(ch) && ch[i] != 0 {
				return i
			}
		}
	}
	return -1
}

// interleave flattens per-channel samples into frame-major order
// (s0c0, s0c1, ..., s1c0, s1c1, ...).
func interleave(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	if len(channels) == 1 {
		out := make([]float32, len(channels[0]))
		copy(out, channels[0])
		return out
	}
	n := len(channels[0])
	out := make([]float32, 0, n*len(channels))
	for i := 0; i < n; i++ {
		for _, ch := range channels {
			if i < len(ch) {
				out = append(out, ch[i])
			} else {
				out = append(out, 0)
			}
		}
	}
	return out
}
