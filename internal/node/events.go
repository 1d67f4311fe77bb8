package node

import (
	"sync"
)

// Lifecycle event types published to the broker.
const (
	EventInstalled   = "skill.installed"
	EventUpdated     = "skill.updated"
	EventPending     = "skill.pending"
	EventRejected    = "skill.rejected"
	EventRunning     = "skill.running"
	EventStopped     = "skill.stopped"
	EventError       = "skill.error"
	EventRolledBack  = "skill.rolled_back"
	EventUninstalled = "skill.uninstalled"
	EventData        = "skill.data"
)

// Event is one broadcast item: a lifecycle transition or a guest data_emit.
type Event struct {
	Skill string `json:"skill"`
	Type  string `json:"type"`
	Data  string `json:"data,omitempty"`
}

// Broker fans events out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// lifecycle path.
type Broker struct {
	mu      sync.RWMutex
	clients map[chan Event]string // channel -> skill filter ("" = all)
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan Event]string)}
}

// Subscribe registers a client. skillFilter limits delivery to one skill;
// "" receives everything.
func (b *Broker) Subscribe(skillFilter string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = skillFilter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a client channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish delivers an event to every matching client.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.clients {
		if filter != "" && filter != event.Skill {
			continue
		}
		select {
		case ch <- event:
		default:
			// Client too slow, drop event
		}
	}
}

// ClientCount returns the number of live subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
