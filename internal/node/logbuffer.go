package node

import (
	"sync"
	"time"
)

// LogEntry is one guest console line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Skill     string    `json:"skill"`
	Level     string    `json:"level"` // debug, info, warn, error
	Message   string    `json:"message"`
}

// LogBuffer is a ring buffer of guest console output across all skills.
// Each Manager owns one; there is no process-wide buffer.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	head    int
	count   int
}

// NewLogBuffer creates a buffer holding at most maxSize lines.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Append records one console line, evicting the oldest when full.
func (b *LogBuffer) Append(skill, level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = LogEntry{
		Timestamp: time.Now().UTC(),
		Skill:     skill,
		Level:     level,
		Message:   message,
	}
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Recent returns up to n lines for one skill, newest first.
func (b *LogBuffer) Recent(skill string, n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []LogEntry
	for i := 0; i < b.count && len(result) < n; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if b.entries[idx].Skill == skill {
			result = append(result, b.entries[idx])
		}
	}
	return result
}

// All returns up to n lines across every skill, newest first.
func (b *LogBuffer) All(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		result[i] = b.entries[(b.head-1-i+b.maxSize)%b.maxSize]
	}
	return result
}

// Clear drops every line for one skill.
func (b *LogBuffer) Clear(skill string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := make([]LogEntry, 0, b.count)
	for i := b.count - 1; i >= 0; i-- {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if b.entries[idx].Skill != skill {
			kept = append(kept, b.entries[idx])
		}
	}
	b.entries = make([]LogEntry, b.maxSize)
	b.head = 0
	b.count = 0
	for _, e := range kept {
		b.entries[b.head] = e
		b.head = (b.head + 1) % b.maxSize
		b.count++
	}
}
