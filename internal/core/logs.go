package core

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	ModelType string    `json:"model_type,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogRing keeps the most recent log lines for the logs endpoint. It is
// attached to the root logger as a second writer, so it always receives
// zerolog's JSON encoding regardless of the console format.
type LogRing struct {
	mu      sync.RWMutex
	entries []LogEntry
	pos     int
	full    bool
}

// NewLogRing creates a ring that holds up to size entries.
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = 500
	}
	return &LogRing{entries: make([]LogEntry, size)}
}

// Write implements io.Writer.
func (r *LogRing) Write(p []byte) (int, error) {
	raw := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now().UTC(), Raw: raw, Message: raw}

	var fields struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		ModelType string    `json:"model_type"`
		Message   string    `json:"message"`
	}
	if json.Unmarshal(p, &fields) == nil {
		if !fields.Time.IsZero() {
			entry.Timestamp = fields.Time.UTC()
		}
		entry.Level = fields.Level
		entry.Component = fields.Component
		entry.ModelType = fields.ModelType
		entry.Message = fields.Message
	}

	r.mu.Lock()
	r.entries[r.pos] = entry
	r.pos = (r.pos + 1) % len(r.entries)
	if r.pos == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Recent returns up to n of the newest entries at or above minLevel, oldest
// first. An empty minLevel keeps everything.
func (r *LogRing) Recent(n int, minLevel string) []LogEntry {
	floor := zerolog.TraceLevel
	if minLevel != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(minLevel)); err == nil {
			floor = lvl
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	total := r.pos
	if r.full {
		total = len(r.entries)
	}
	out := make([]LogEntry, 0, min(max(n, 0), total))
	// walk newest to oldest, then reverse
	for i := 1; i <= total && len(out) < n; i++ {
		e := r.entries[(r.pos-i+len(r.entries))%len(r.entries)]
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < floor {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

