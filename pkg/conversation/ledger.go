package conversation

import (
	"strings"
	"sync"
	"time"
)

// Ledger limits. Audio deltas dominate all other traffic, so they get their
// own cap and a shorter retention floor; function-call records are the audit
// trail for tool execution and survive everything except the hard cap.
const (
	MaxLedgerRecords  = 1000
	MaxAudioRecords   = 250
	LedgerRetention   = 5 * time.Second
	MinAudioRetention = 2 * time.Second

	// audioEvictFraction is the share of processed audio records dropped
	// when the audio cap is exceeded.
	audioEvictFraction = 0.2

	defaultSweepInterval = time.Second
)

// RecordSource marks which side of the bridge produced a frame.
type RecordSource string

const (
	SourceClient RecordSource = "client"
	SourceServer RecordSource = "server"
)

// Record is one ledger entry. Never mutated after append except Processed.
type Record struct {
	Timestamp      time.Time
	Source         RecordSource
	Type           string
	IsAudioEvent   bool
	IsFunctionCall bool
	Processed      bool
	Size           int
}

// Ledger is a bounded store of every protocol frame sent or received in one
// session. The caller constructs and owns one ledger per session; there is
// no ambient singleton.
type Ledger struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time

	sweepInterval time.Duration
	sweepStop     chan struct{}
}

// NewLedger returns an empty ledger using the wall clock.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now, sweepInterval: defaultSweepInterval}
}

// classify derives the record flags from the event type.
func classify(eventType string) (isAudio, isFunctionCall bool) {
	isAudio = strings.Contains(eventType, "audio") && !strings.Contains(eventType, "transcript")
	isFunctionCall = strings.Contains(eventType, "function_call")
	return
}

// Append records one frame and enforces the audio cap and the global hard
// cap. It returns the index-independent copy of the appended record.
func (l *Ledger) Append(source RecordSource, eventType string, size int) Record {
	isAudio, isFC := classify(eventType)
	rec := Record{
		Timestamp:      l.now(),
		Source:         source,
		Type:           eventType,
		IsAudioEvent:   isAudio,
		IsFunctionCall: isFC,
		Size:           size,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)

	if isAudio && l.audioCountLocked() > MaxAudioRecords {
		l.evictOldestProcessedAudioLocked()
	}
	if len(l.records) > MaxLedgerRecords {
		l.hardCapLocked()
	}
	return rec
}

// MarkProcessed flags the most recent record of the given type as consumed
// by the state machine, making it eligible for audio eviction.
func (l *Ledger) MarkProcessed(eventType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Type == eventType && !l.records[i].Processed {
			l.records[i].Processed = true
			return
		}
	}
}

func (l *Ledger) audioCountLocked() int {
	n := 0
	for _, r := range l.records {
		if r.IsAudioEvent {
			n++
		}
	}
	return n
}

// evictOldestProcessedAudioLocked drops the oldest 20% of already-processed
// audio records. Unprocessed audio is never touched here.
func (l *Ledger) evictOldestProcessedAudioLocked() {
	processed := 0
	for _, r := range l.records {
		if r.IsAudioEvent && r.Processed {
			processed++
		}
	}
	toRemove := int(float64(processed) * audioEvictFraction)
	if toRemove == 0 {
		return
	}

	kept := l.records[:0]
	for _, r := range l.records {
		if toRemove > 0 && r.IsAudioEvent && r.Processed {
			toRemove--
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
}

// hardCapLocked enforces the global cap: all function-call records are kept,
// then the most recent remainder fills the rest.
func (l *Ledger) hardCapLocked() {
	var fc, rest []Record
	for _, r := range l.records {
		if r.IsFunctionCall {
			fc = append(fc, r)
		} else {
			rest = append(rest, r)
		}
	}

	budget := MaxLedgerRecords - len(fc)
	if budget < 0 {
		budget = 0
	}
	if len(rest) > budget {
		rest = rest[len(rest)-budget:]
	}

	merged := make([]Record, 0, len(fc)+len(rest))
	merged = append(merged, fc...)
	merged = append(merged, rest...)
	l.records = merged
}

// Sweep applies the time-based retention pass: unprocessed records and
// function-call records are kept; processed audio older than the audio floor
// and other records older than the general window are dropped.
func (l *Ledger) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	for _, r := range l.records {
		age := now.Sub(r.Timestamp)
		switch {
		case r.IsFunctionCall:
			kept = append(kept, r)
		case !r.Processed:
			kept = append(kept, r)
		case r.IsAudioEvent:
			if age < MinAudioRetention {
				kept = append(kept, r)
			}
		default:
			if age < LedgerRetention {
				kept = append(kept, r)
			}
		}
	}
	l.records = kept
}

// StartSweep launches the periodic retention pass. The owner starts it when
// the first audio record is appended and stops it when the active-track
// count returns to zero. Starting an already-running sweeper is a no-op.
func (l *Ledger) StartSweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	l.sweepStop = stop

	go func() {
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// StopSweep halts the periodic retention pass.
func (l *Ledger) StopSweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sweepStop == nil {
		return
	}
	close(l.sweepStop)
	l.sweepStop = nil
}

// Sweeping reports whether the periodic pass is running.
func (l *Ledger) Sweeping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepStop != nil
}

// Len returns the number of records held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of all records in append order
// (function-call records may be re-grouped by hard-cap passes).
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
