package sla

import "sync"

// Crossing is emitted when a record newly reaches an actionable level.
type Crossing struct {
	ID       string
	Phase    Phase
	From     Level
	To       Level
	Breached bool
}

type observation struct {
	phase Phase
	level Level
}

// Tracker remembers the last observed level per record so that each upward
// crossing into critical or breached is reported exactly once, no matter how
// many times the record is re-evaluated.
type Tracker struct {
	mu   sync.Mutex
	last map[string]observation
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]observation)}
}

// Observe records st for id and returns the crossing, if any.
// A phase change resets the baseline, so the closure phase can cross again
// after the response phase already breached.
func (t *Tracker) Observe(id string, st Status) (Crossing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[id]
	if !seen || prev.phase != st.Phase {
		prev = observation{phase: st.Phase, level: LevelNominal}
	}
	t.last[id] = observation{phase: st.Phase, level: st.Level}

	if !st.Level.AtLeast(LevelCritical) || prev.level.AtLeast(st.Level) {
		return Crossing{}, false
	}
	return Crossing{
		ID:       id,
		Phase:    st.Phase,
		From:     prev.level,
		To:       st.Level,
		Breached: st.Level == LevelBreached,
	}, true
}

// Forget drops state for id, typically once the record is terminal.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.last, id)
	t.mu.Unlock()
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
