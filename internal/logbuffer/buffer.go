/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps a bounded in-memory ring of recent log entries
// so the UI collaborator can render a live log pane without tailing files.
package logbuffer

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is a single captured log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// New creates a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// All returns every buffered entry in chronological order.
func (b *Buffer) All() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.capacity]
	}
	return result
}

// Query filters buffered entries.
type Query struct {
	Level     string // exact level match
	Component string // exact component match
	Search    string // case-insensitive substring of the message
	Limit     int    // newest N entries (0 = all)
}

// Filter returns matching entries, oldest first.
func (b *Buffer) Filter(q Query) []Entry {
	var matched []Entry
	for _, entry := range b.All() {
		if q.Level != "" && entry.Level != q.Level {
			continue
		}
		if q.Component != "" && entry.Component != q.Component {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(entry.Message), strings.ToLower(q.Search)) {
			continue
		}
		matched = append(matched, entry)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// Writer adapts the buffer to io.Writer so zerolog can multi-write its
// JSON stream into it.
type Writer struct {
	buffer *Buffer
}

// NewWriter creates a writer that captures zerolog JSON lines.
func NewWriter(buffer *Buffer) *Writer {
	return &Writer{buffer: buffer}
}

var _ io.Writer = (*Writer)(nil)

// Write implements io.Writer. Non-JSON writes are stored verbatim.
func (w *Writer) Write(p []byte) (int, error) {
	entry := Entry{Timestamp: time.Now(), Message: strings.TrimSpace(string(p))}

	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err == nil {
		if lvl, ok := raw["level"].(string); ok {
			entry.Level = lvl
			delete(raw, "level")
		}
		if msg, ok := raw["message"].(string); ok {
			entry.Message = msg
			delete(raw, "message")
		}
		if comp, ok := raw["component"].(string); ok {
			entry.Component = comp
			delete(raw, "component")
		}
		if ts, ok := raw["time"].(float64); ok {
			entry.Timestamp = time.Unix(int64(ts), 0)
			delete(raw, "time")
		}
		if len(raw) > 0 {
			entry.Fields = raw
		}
	}

	w.buffer.Add(entry)
	return len(p), nil
}
