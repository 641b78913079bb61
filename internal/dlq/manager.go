// Package dlq keeps jobs that exhausted their retries and lets operators
// inspect, resubmit or discard them.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/robot-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/metrics"
)

// Repository persists entries. ClaimDLQEntry must succeed for at most one
// caller per entry.
type Repository interface {
	InsertDLQEntry(ctx context.Context, e domain.DLQEntry) error
	GetDLQEntry(ctx context.Context, id string) (domain.DLQEntry, error)
	ListDLQEntries(ctx context.Context, f domain.DLQFilter) ([]domain.DLQEntry, error)
	DLQStats(ctx context.Context, workflowID string) (domain.DLQStats, error)
	ClaimDLQEntry(ctx context.Context, id, by string, at time.Time) (domain.DLQEntry, error)
	UnclaimDLQEntry(ctx context.Context, id string) error
	SetDLQNewJobID(ctx context.Context, id, jobID string) error
	DeleteDLQEntry(ctx context.Context, id string) (bool, error)
	PurgeDLQ(ctx context.Context, cutoff time.Time) (int, error)
}

// Submitter creates jobs for retried entries
type Submitter interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (domain.Job, error)
}

// Options configures a Manager
type Options struct {
	Logger  *slog.Logger
	Events  events.Publisher
	Metrics *metrics.Metrics
}

// Manager implements the dead letter queue operations
type Manager struct {
	repo    Repository
	submit  Submitter
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// New creates a Manager. submit may be nil until SetSubmitter is called.
func New(repo Repository, submit Submitter, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Manager{
		repo:    repo,
		submit:  submit,
		logger:  opts.Logger,
		events:  opts.Events,
		metrics: opts.Metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetSubmitter sets where retried entries are resubmitted
func (m *Manager) SetSubmitter(s Submitter) {
	m.submit = s
}

// Add records a job that exhausted its retries
func (m *Manager) Add(ctx context.Context, job domain.Job) (domain.DLQEntry, error) {
	now := m.now()
	first := now
	if job.FirstFailedAt != nil {
		first = *job.FirstFailedAt
	}
	last := now
	if job.CompletedAt != nil {
		last = *job.CompletedAt
	}

	e := domain.DLQEntry{
		ID:            m.newID(),
		OriginalJobID: job.ID,
		WorkflowID:    job.WorkflowID,
		WorkflowName:  job.WorkflowName,
		ErrorMessage:  job.ErrorMessage,
		ErrorDetails:  job.ErrorDetails,
		RetryCount:    job.RetryCount,
		Payload:       job.Payload,
		Priority:      job.Priority,
		Environment:   job.Environment,
		FirstFailedAt: first,
		LastFailedAt:  last,
		CreatedAt:     now,
	}
	if err := m.repo.InsertDLQEntry(ctx, e); err != nil {
		return domain.DLQEntry{}, err
	}

	m.logger.Warn("job moved to dead letter queue", "entry_id", e.ID, "job_id", job.ID,
		"workflow_id", job.WorkflowID, "retries", job.RetryCount, "err", job.ErrorMessage)
	m.metrics.DLQ("added", 1)
	m.events.Publish(events.New(events.DLQAdded, e))
	return e, nil
}

// List returns entries newest first
func (m *Manager) List(ctx context.Context, f domain.DLQFilter) ([]domain.DLQEntry, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", domain.ErrValidation)
	}
	return m.repo.ListDLQEntries(ctx, f)
}

// Get returns one entry
func (m *Manager) Get(ctx context.Context, id string) (domain.DLQEntry, error) {
	return m.repo.GetDLQEntry(ctx, id)
}

// Stats counts entries, scoped to workflowID when it is set
func (m *Manager) Stats(ctx context.Context, workflowID string) (domain.DLQStats, error) {
	return m.repo.DLQStats(ctx, workflowID)
}

// Retry resubmits a pending entry as a new job with a fresh retry budget and
// marks the entry reprocessed. Entries already retried or missing fail with
// ErrDLQEntryNotFound.
func (m *Manager) Retry(ctx context.Context, id, reprocessedBy string) (domain.Job, error) {
	if m.submit == nil {
		return domain.Job{}, fmt.Errorf("%w: no dispatcher attached", domain.ErrServiceUnavailable)
	}
	if reprocessedBy == "" {
		reprocessedBy = "unknown"
	}

	e, err := m.repo.ClaimDLQEntry(ctx, id, reprocessedBy, m.now())
	if err != nil {
		return domain.Job{}, err
	}

	job, err := m.submit.Submit(ctx, dispatch.SubmitRequest{
		JobID:        m.newID(),
		WorkflowID:   e.WorkflowID,
		WorkflowName: e.WorkflowName,
		Priority:     e.Priority,
		Environment:  e.Environment,
		Payload:      e.Payload,
		CreatedBy:    reprocessedBy,
	})
	if err != nil {
		if uerr := m.repo.UnclaimDLQEntry(ctx, id); uerr != nil {
			m.logger.Error("roll back dlq claim", "entry_id", id, "err", uerr)
		}
		return domain.Job{}, fmt.Errorf("resubmit dlq entry %s: %w", id, err)
	}

	if err := m.repo.SetDLQNewJobID(ctx, id, job.ID); err != nil {
		m.logger.Error("record retried job id", "entry_id", id, "job_id", job.ID, "err", err)
	}

	m.logger.Info("dlq entry retried", "entry_id", id, "new_job_id", job.ID, "by", reprocessedBy)
	m.metrics.DLQ("retried", 1)
	m.events.Publish(events.New(events.DLQRetried, map[string]any{
		"entry_id":       id,
		"new_job_id":     job.ID,
		"reprocessed_by": reprocessedBy,
	}))
	return job, nil
}

// Delete removes an entry and reports whether it existed
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := m.repo.DeleteDLQEntry(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	m.logger.Info("dlq entry deleted", "entry_id", id)
	m.metrics.DLQ("deleted", 1)
	m.events.Publish(events.New(events.DLQDeleted, map[string]any{"entry_id": id}))
	return true, nil
}

// Purge deletes reprocessed entries whose reprocessing is older than
// olderThanDays. Pending entries are never purged.
func (m *Manager) Purge(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: older_than_days must not be negative", domain.ErrValidation)
	}
	cutoff := m.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := m.repo.PurgeDLQ(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("dlq purged", "count", n, "older_than_days", olderThanDays)
		m.metrics.DLQ("purged", n)
		m.events.Publish(events.New(events.DLQPurged, map[string]any{"count": n, "older_than_days": olderThanDays}))
	}
	return n, nil
}
