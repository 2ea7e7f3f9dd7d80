package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder shared by the readiness
// probe and the realtime upgrade handler. Once draining, new bridge sessions
// are refused while existing ones wind down.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
