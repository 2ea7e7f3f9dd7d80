package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestStreamPlayerBoundedBuffer(t *testing.T) {
	p := NewStreamPlayer()

	// 40 writes of 1024 bytes stay well under the cap.
	chunk := make([]byte, 1024)
	for i := 0; i < 40; i++ {
		if err := p.Write("item_1", chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if p.BufferedBytes() > MaxBufferSize {
			t.Fatalf("write %d: buffer %d exceeds max %d", i, p.BufferedBytes(), MaxBufferSize)
		}
	}

	// Large writes trigger eviction down to the cleanup threshold.
	big := make([]byte, 128*1024)
	for i := 0; i < 40; i++ {
		if err := p.Write("item_1", big); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if p.BufferedBytes() > MaxBufferSize {
			t.Fatalf("write %d: buffer %d exceeds max %d", i, p.BufferedBytes(), MaxBufferSize)
		}
	}
	if p.BufferedBytes() > CleanupThreshold {
		t.Errorf("buffer %d above cleanup threshold %d after eviction", p.BufferedBytes(), CleanupThreshold)
	}
}

func TestStreamPlayerEvictsAtExactCapacity(t *testing.T) {
	p := NewStreamPlayer()

	// 8 writes of 128 KiB land exactly on MaxBufferSize; the last one must
	// still evict down to the cleanup threshold.
	chunk := make([]byte, 128*1024)
	for i := 0; i < 8; i++ {
		if err := p.Write("item_1", chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if p.BufferedBytes() > CleanupThreshold {
		t.Errorf("buffer %d above cleanup threshold %d after boundary write", p.BufferedBytes(), CleanupThreshold)
	}
}

func TestStreamPlayerEvictsOldestFirst(t *testing.T) {
	p := NewStreamPlayer()

	marker := bytes.Repeat([]byte{0xAA}, 512*1024)
	filler := bytes.Repeat([]byte{0xBB}, 512*1024)
	newest := bytes.Repeat([]byte{0xCC}, 512*1024)

	p.Write("t", marker)
	p.Write("t", filler)
	p.Write("t", newest) // forces eviction of the oldest chunks

	got := p.Drain(512 * 1024)
	if len(got) == 0 {
		t.Fatal("expected drained audio")
	}
	if got[0] == 0xAA {
		t.Error("oldest chunk survived eviction")
	}
}

func TestStreamPlayerDrainOrder(t *testing.T) {
	p := NewStreamPlayer()
	p.Write("t", []byte{1, 2})
	p.Write("t", []byte{3, 4})

	got := p.Drain(3)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("expected [1 2 3], got %v", got)
	}
	got = p.Drain(10)
	if !bytes.Equal(got, []byte{4}) {
		t.Errorf("expected [4], got %v", got)
	}
	if p.Playing() {
		t.Error("player still playing after queue emptied")
	}
}

func TestStreamPlayerFlushKeepsDeviceRunning(t *testing.T) {
	p := NewStreamPlayer()
	p.Write("t", []byte{1, 2, 3, 4})
	p.Flush()

	if p.BufferedBytes() != 0 {
		t.Errorf("flush left %d bytes", p.BufferedBytes())
	}
	if !p.Connected() {
		t.Error("flush disconnected the device")
	}
	if got := p.Drain(4); got != nil {
		t.Errorf("drain after flush returned %v", got)
	}
}

func TestStreamPlayerInterruptReportsOffset(t *testing.T) {
	p := NewStreamPlayer()
	pcm := make([]byte, 2048) // 1024 samples
	p.Write("item_9", pcm)
	p.Drain(1000) // 500 samples played

	ended := p.Interrupt("req_1")
	if ended.TrackID != "item_9" {
		t.Errorf("expected track item_9, got %q", ended.TrackID)
	}
	if ended.RequestID != "req_1" {
		t.Errorf("expected request req_1, got %q", ended.RequestID)
	}
	if ended.Offset != 500 {
		t.Errorf("expected offset 500, got %d", ended.Offset)
	}
	if p.BufferedBytes() != 0 {
		t.Errorf("interrupt left %d bytes queued", p.BufferedBytes())
	}

	// Offset is never negative and never exceeds samples written.
	ended = p.Interrupt("req_2")
	if ended.Offset != 0 {
		t.Errorf("expected zero offset on empty player, got %d", ended.Offset)
	}
}

func TestStreamPlayerResume(t *testing.T) {
	p := NewStreamPlayer()
	p.Write("t", []byte{1, 2, 3, 4})
	p.Interrupt("req")

	p.Resume()
	if p.Playing() {
		t.Error("resume armed playback with an empty queue")
	}

	p.Write("t", []byte{5, 6})
	p.Interrupt("req")
	p.Write("t", []byte{7, 8})
	p.Resume()
	if !p.Playing() {
		t.Error("resume did not re-arm playback with queued chunks")
	}
}

func TestStreamPlayerDisconnectedWrite(t *testing.T) {
	p := NewStreamPlayer()
	p.Disconnect()

	err := p.Write("t", []byte{1, 2})
	if !errors.Is(err, ErrPlayerDisconnected) {
		t.Fatalf("expected ErrPlayerDisconnected, got %v", err)
	}

	p.Reset()
	if err := p.Write("t", []byte{1, 2}); err != nil {
		t.Fatalf("write after reset: %v", err)
	}
}

func TestStreamPlayerSampleCounterReset(t *testing.T) {
	p := NewStreamPlayer()
	p.mu.Lock()
	p.processedSamples = sampleCounterCeiling - 10
	p.mu.Unlock()

	p.Write("t", make([]byte, 40)) // 20 samples
	p.Drain(40)

	if got := p.ProcessedSamples(); got >= sampleCounterCeiling {
		t.Errorf("counter %d not reset at ceiling", got)
	}
	if got := p.ProcessedSamples(); got != 0 {
		t.Errorf("expected counter reset to 0, got %d", got)
	}
	// The per-track offset is unaffected by the session counter reset.
	if got := p.TrackOffset(); got != 20 {
		t.Errorf("expected track offset 20, got %d", got)
	}
}
