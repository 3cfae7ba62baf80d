package logging

import (
	"sync"
	"time"
)

// LogEntry is one log line kept for /api/logs and the log stream.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the newest log entries, overwriting the oldest when full.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRingBuffer creates a ring buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Write appends entry.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}
}

// ReadAll returns all entries, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Tail(0, "")
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.countLocked()
}

// Tail returns up to n of the newest entries, oldest first. A non-empty
// module keeps only that module's entries (session, pipeline, api, ...);
// n <= 0 returns every match.
func (rb *RingBuffer) Tail(n int, module string) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	count := rb.countLocked()
	if n <= 0 || n > count {
		n = count
	}
	out := make([]LogEntry, 0, n)
	// Walk newest to oldest, then reverse.
	for i := 1; i <= count && len(out) < n; i++ {
		e := rb.entries[(rb.next-i+len(rb.entries))%len(rb.entries)]
		if module != "" && e.Module != module {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (rb *RingBuffer) countLocked() int {
	if rb.full {
		return len(rb.entries)
	}
	return rb.next
}
