package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Job is one unit of requested work bound to a workflow and, once dispatched,
// to a robot.
type Job struct {
	ID                   string
	WorkflowID           string
	WorkflowName         string
	RobotID              string
	Status               JobStatus
	Priority             Priority
	Environment          string
	Payload              json.RawMessage
	RequiredCapabilities []Capability
	TriggerKey           string
	RetryCount           int
	MaxRetries           int
	Progress             int
	CurrentNode          string
	ErrorMessage         string
	ErrorDetails         string
	Result               json.RawMessage
	CreatedAt            time.Time
	CreatedBy            string
	ScheduledTime        *time.Time
	QueuedAt             *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	FirstFailedAt        *time.Time
	NextAttemptAt        *time.Time
	DeadLetteredAt       *time.Time

	// Version increases on every mutation so the store can drop stale writes.
	Version int64
}

// IsTerminal reports whether the job can no longer change state
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobCancelled, JobTimeout:
		return true
	case JobFailed:
		return j.RetryCount >= j.MaxRetries
	}
	return false
}

// Clone returns a copy that shares no mutable memory with j
func (j *Job) Clone() Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Result = slices.Clone(j.Result)
	c.RequiredCapabilities = slices.Clone(j.RequiredCapabilities)
	c.ScheduledTime = cloneTime(j.ScheduledTime)
	c.QueuedAt = cloneTime(j.QueuedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FirstFailedAt = cloneTime(j.FirstFailedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	c.DeadLetteredAt = cloneTime(j.DeadLetteredAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// transitions lists every legal status change. failed -> pending is the retry
// loop; the dispatcher decides whether retries remain.
var transitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobCancelled},
	JobQueued:  {JobRunning, JobPending, JobCompleted, JobFailed, JobCancelled, JobTimeout},
	JobRunning: {JobCompleted, JobFailed, JobTimeout, JobCancelled, JobPending},
	JobFailed:  {JobPending},
}

// CanTransition reports whether from -> to is allowed by the job state machine
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(transitions[from], to)
}
