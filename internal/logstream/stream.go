package logstream

import (
	"log/slog"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// Stream persists incoming entries and hands them to live followers
type Stream struct {
	store   *Store
	hub     *Hub
	backlog int
	logger  *slog.Logger
}

// NewStream combines a store and a hub. Followers first receive up to
// backlog retained entries.
func NewStream(store *Store, hub *Hub, backlog int, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{store: store, hub: hub, backlog: backlog, logger: logger}
}

// Ingest normalizes levels, stores the entries and publishes them. Entries
// are published even if storing fails.
func (s *Stream) Ingest(entries ...domain.LogEntry) error {
	for i := range entries {
		entries[i].Level = domain.ParseLogLevel(entries[i].Level).String()
	}
	var err error
	if s.store != nil {
		if err = s.store.Append(entries...); err != nil {
			s.logger.Error("store robot log entries", "count", len(entries), "err", err)
		}
	}
	s.hub.Publish(entries...)
	return err
}

// Follow subscribes to live entries matching f and returns the retained
// backlog. The subscription starts before the backlog is read, so an entry
// may appear in both.
func (s *Stream) Follow(f Filter) ([]domain.LogEntry, <-chan domain.LogEntry, func(), error) {
	live, cancel := s.hub.Subscribe(f)
	if s.store == nil || s.backlog <= 0 {
		return nil, live, cancel, nil
	}
	backlog, err := s.store.Recent(f, s.backlog)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return backlog, live, cancel, nil
}

// Hub returns the fan-out hub
func (s *Stream) Hub() *Hub {
	return s.hub
}
