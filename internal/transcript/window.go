// Package transcript collects the running transcription of a session: what
// the local user said and what the remote agent answered.
package transcript

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries a [Window] retains.
const DefaultCapacity = 15

// Origin identifies who produced an entry.
type Origin string

const (
	// OriginLocal is the local user's recognised speech.
	OriginLocal Origin = "local-speaker"

	// OriginRemote is the remote agent's spoken response.
	OriginRemote Origin = "remote-agent"
)

// Entry is one transcribed fragment.
type Entry struct {
	Text   string    `json:"text"`
	Origin Origin    `json:"origin"`
	Time   time.Time `json:"time"`
}

// Sink receives transcript entries as they arrive.
type Sink interface {
	Add(e Entry)
}

// Window is a [Sink] that keeps the most recent entries and evicts the
// oldest first. All methods are safe for concurrent use.
type Window struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

var _ Sink = (*Window)(nil)

// NewWindow creates a window retaining at most capacity entries. A
// non-positive capacity selects [DefaultCapacity].
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		entries: make([]Entry, 0, capacity),
		max:     capacity,
	}
}

// Add appends e, evicting the oldest entry when the window is full. Empty
// text is ignored. A zero Time is set to now.
func (w *Window) Add(e Entry) {
	if e.Text == "" {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == w.max {
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:w.max-1]
	}
	w.entries = append(w.entries, e)
}

// Entries returns a copy of the retained entries, oldest first.
func (w *Window) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len returns the number of retained entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Reset drops every entry.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = w.entries[:0]
}
