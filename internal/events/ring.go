package events

import "sync"

// LogRing keeps the last N log events so SSE reconnects and the agent
// checkpoint can replay recent history.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEvent
	max     int
}

// NewLogRing returns a ring holding at most max entries (min 1).
func NewLogRing(max int) *LogRing {
	if max < 1 {
		max = 1
	}
	return &LogRing{max: max}
}

// Append adds an entry, evicting the oldest when full.
func (r *LogRing) Append(e LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

// Snapshot returns a copy of the retained entries, oldest first.
func (r *LogRing) Snapshot() []LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEvent, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of retained entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
