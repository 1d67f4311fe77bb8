// Package cache implements the cross-skill data exchange behind the
// dashboard bridge: per-skill key/value documents plus a broadcast event
// stream. Two implementations exist, an in-process one and a Redis-backed
// one for nodes that share state with a control plane.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNoData is returned when no value exists for the requested key.
var ErrNoData = errors.New("no data for key")

// Event is a broadcast message published by a skill.
type Event struct {
	Skill   string          `json:"skill"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Exchange is the data exchange surface. Authorization (which skill may
// read whose data) is decided by the caller; the exchange only stores and
// fans out.
type Exchange interface {
	SetData(ctx context.Context, skill, key string, value json.RawMessage) error
	GetData(ctx context.Context, skill, key string) (json.RawMessage, error)
	Emit(ctx context.Context, skill, event string, payload json.RawMessage) error
	// Purge drops all data a skill has published.
	Purge(ctx context.Context, skill string) error
	// Subscribe returns a channel of broadcast events and a cancel
	// function. Slow subscribers miss events rather than blocking
	// publishers.
	Subscribe(buffer int) (<-chan Event, func())
	Close() error
}

// Memory is the in-process Exchange.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewMemory returns an empty in-process exchange.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]json.RawMessage),
		subs: make(map[int]chan Event),
	}
}

// SetData stores value under the skill's own namespace.
func (m *Memory) SetData(_ context.Context, skill, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[skill]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		m.data[skill] = bucket
	}
	bucket[key] = append(json.RawMessage(nil), value...)
	return nil
}

// GetData returns the value skill published under key.
func (m *Memory) GetData(_ context.Context, skill, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[skill][key]
	if !ok {
		return nil, ErrNoData
	}
	return append(json.RawMessage(nil), value...), nil
}

// Emit broadcasts an event to all subscribers.
func (m *Memory) Emit(_ context.Context, skill, event string, payload json.RawMessage) error {
	e := Event{
		Skill:   skill,
		Name:    event,
		Payload: append(json.RawMessage(nil), payload...),
		At:      time.Now().UTC(),
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Purge drops every key skill has published.
func (m *Memory) Purge(_ context.Context, skill string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, skill)
	return nil
}

// Subscribe registers a new event listener.
func (m *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Close shuts down all subscriber channels.
func (m *Memory) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}

var _ Exchange = (*Memory)(nil)
