// Package events carries coordinator state changes to admin sessions and,
// optionally, to a NATS subject tree.
package events

import (
	"sync"
	"time"
)

// Event kinds
const (
	RobotRegistered   = "robot.registered"
	RobotUnregistered = "robot.unregistered"
	RobotStatus       = "robot.status"
	JobCreated        = "job.created"
	JobStatus         = "job.status"
	JobProgress       = "job.progress"
	DLQAdded          = "dlq.added"
	DLQRetried        = "dlq.retried"
	DLQDeleted        = "dlq.deleted"
	DLQPurged         = "dlq.purged"
)

// Event is one state change
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New stamps an event with the current time
func New(kind string, data any) Event {
	return Event{Kind: kind, Timestamp: time.Now().UTC(), Data: data}
}

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to in-process subscribers. A subscriber that cannot
// keep up is dropped and its channel closed.
type Bus struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	closed  bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{clients: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a cancel function
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() { b.unsubscribe(ch) }
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			delete(b.clients, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close closes every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

// Multi publishes to several publishers in order
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
