package conversation

import "time"

// Per-track chunk bounds. A runaway item streaming audio forever must not
// grow unbounded bookkeeping; past MaxTrackChunks the counter is trimmed
// back to TrackChunkKeep, matching the playback buffer which has already
// evicted the corresponding samples.
const (
	MaxTrackChunks = 30
	TrackChunkKeep = 15
)

// track is the per-item audio bookkeeping owned by the machine. The entry is
// deleted exactly when the item's track is torn down (audio done, interrupt,
// or session close) — ownership is explicit, no weak references.
type track struct {
	itemID      string
	startedAt   time.Time
	lastUpdate  time.Time
	interrupted bool
	chunkCount  int
	bytes       int64
}

// addChunk records one delivered audio chunk and reports whether the chunk
// bookkeeping was trimmed.
func (t *track) addChunk(size int, now time.Time) bool {
	t.lastUpdate = now
	t.chunkCount++
	t.bytes += int64(size)
	if t.chunkCount > MaxTrackChunks {
		t.chunkCount = TrackChunkKeep
		return true
	}
	return false
}
