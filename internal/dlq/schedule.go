package dlq

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a five field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// PurgeScheduler runs Purge on a cron schedule
type PurgeScheduler struct {
	manager       *Manager
	schedule      cron.Schedule
	retentionDays int

	mu      sync.Mutex
	lastRun time.Time
	running bool
	now     func() time.Time
}

// NewPurgeScheduler validates expr and returns a scheduler purging entries
// reprocessed more than retentionDays ago.
func NewPurgeScheduler(m *Manager, expr string, retentionDays int) (*PurgeScheduler, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return &PurgeScheduler{manager: m, schedule: sched, retentionDays: retentionDays, now: time.Now}, nil
}

// NextRun returns the next scheduled purge after the last one
func (s *PurgeScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Next(s.from())
}

// ShouldRun returns true if a purge is due and none is running
func (s *PurgeScheduler) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	return !s.now().Before(s.schedule.Next(s.from()))
}

func (s *PurgeScheduler) from() time.Time {
	if s.lastRun.IsZero() {
		s.lastRun = s.now()
	}
	return s.lastRun
}

// RunOnce purges and records the run time
func (s *PurgeScheduler) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	n, err := s.manager.Purge(ctx, s.retentionDays)

	s.mu.Lock()
	s.running = false
	s.lastRun = s.now()
	s.mu.Unlock()
	return n, err
}

// Run checks the schedule every interval until ctx is done
func (s *PurgeScheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.ShouldRun() {
				continue
			}
			if _, err := s.RunOnce(ctx); err != nil {
				s.manager.logger.Error("scheduled dlq purge failed", "err", err)
			}
		}
	}
}
