package logstream

import (
	"sync"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// Filter selects log entries. Zero values match everything.
type Filter struct {
	RobotID  string
	TenantID string
	MinLevel domain.LogLevel
}

// Match reports whether e passes the filter
func (f Filter) Match(e domain.LogEntry) bool {
	if f.RobotID != "" && e.RobotID != f.RobotID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	return domain.ParseLogLevel(e.Level) >= f.MinLevel
}

type subscriber struct {
	filter Filter
	ch     chan domain.LogEntry
}

// Hub fans log entries out to subscribers. A subscriber whose buffer is full
// is dropped and its channel closed.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewHub creates a hub with per-subscriber buffers of the given size
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a channel of entries matching f and a cancel function
func (h *Hub) Subscribe(f Filter) (<-chan domain.LogEntry, func()) {
	s := &subscriber{filter: f, ch: make(chan domain.LogEntry, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { h.drop(s) })
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish delivers entries to every matching subscriber without blocking
func (h *Hub) Publish(entries ...domain.LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		for _, e := range entries {
			if !s.filter.Match(e) {
				continue
			}
			select {
			case s.ch <- e:
			default:
				delete(h.subs, s)
				close(s.ch)
			}
			if _, ok := h.subs[s]; !ok {
				break
			}
		}
	}
}

// Subscribers returns the number of live subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
