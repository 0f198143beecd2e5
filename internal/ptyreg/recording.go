package ptyreg

import (
	"encoding/json"
	"sync"
	"time"
)

// RecordingEntry is a single timestamped I/O event in a terminal recording.
// The format is inspired by asciinema v2.
type RecordingEntry struct {
	// Elapsed is the time since process start in seconds.
	Elapsed float64 `json:"elapsed"`
	// Type is "o" for output, "i" for input.
	Type string `json:"type"`
	// Data is the terminal data.
	Data string `json:"data"`
}

// Recording captures timestamped terminal I/O for audit and replay. It is
// safe for concurrent use and optional: a PTY only carries one when the
// registry has recording enabled.
type Recording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
}

// NewRecording creates a new recording. If maxEntries <= 0, there is no
// limit on the number of entries.
func NewRecording(maxEntries int) *Recording {
	return &Recording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
	}
}

// RecordOutput adds an output event to the recording.
func (r *Recording) RecordOutput(data []byte) {
	r.record("o", data)
}

// RecordInput adds an input event to the recording.
func (r *Recording) RecordInput(data []byte) {
	r.record("i", data)
}

func (r *Recording) record(typ string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return // drop if at capacity
	}

	r.entries = append(r.entries, RecordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    typ,
		Data:    string(data),
	})
}

// Entries returns a copy of all recorded entries.
func (r *Recording) Entries() []RecordingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]RecordingEntry, len(r.entries))
	copy(result, r.entries)
	return result
}

// EntryCount returns the number of recorded entries.
func (r *Recording) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ExportJSON returns the recording as JSON-encoded bytes.
func (r *Recording) ExportJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.entries)
}
