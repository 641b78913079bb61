package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
)

// ownedLocked returns job if robotID currently holds it
func (d *Dispatcher) ownedLocked(robotID, jobID string) (*domain.Job, error) {
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if !job.Status.Active() || job.RobotID != robotID {
		return nil, fmt.Errorf("%w: job %s is not assigned to robot %s", domain.ErrIdentityMismatch, jobID, robotID)
	}
	return job, nil
}

// Accept marks an assigned job RUNNING
func (d *Dispatcher) Accept(ctx context.Context, robotID, jobID string) error {
	var fx effects
	d.mu.Lock()
	job, err := d.ownedLocked(robotID, jobID)
	if err == nil && job.Status == domain.JobQueued {
		now := d.now()
		job.StartedAt = &now
		err = d.transitionLocked(&fx, job, domain.JobRunning)
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.apply(ctx, fx)
	return nil
}

// Reject hands a job back; it returns to PENDING and is offered to another
// robot first.
func (d *Dispatcher) Reject(ctx context.Context, robotID, jobID, reason string) error {
	var fx effects
	d.mu.Lock()
	job, err := d.ownedLocked(robotID, jobID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	job.ErrorMessage = reason
	d.requeueLocked(&fx, job)
	d.avoid[job.ID] = robotID
	d.assignLocked(&fx, job)
	d.mu.Unlock()

	d.logger.Info("job rejected by robot", "job_id", jobID, "robot_id", robotID, "reason", reason)
	d.apply(ctx, fx)
	return nil
}

// Progress records execution progress. A progress report for a QUEUED job
// implies the robot started it.
func (d *Dispatcher) Progress(ctx context.Context, robotID, jobID string, progress int, node string) error {
	var fx effects
	d.mu.Lock()
	job, err := d.ownedLocked(robotID, jobID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if job.Status == domain.JobQueued {
		now := d.now()
		job.StartedAt = &now
		_ = d.transitionLocked(&fx, job, domain.JobRunning)
	}
	job.Progress = min(max(progress, 0), 100)
	job.CurrentNode = node
	job.Version++
	fx.save = append(fx.save, job.Clone())
	fx.events = append(fx.events, events.New(events.JobProgress, map[string]any{
		"job_id":       job.ID,
		"robot_id":     robotID,
		"progress":     job.Progress,
		"current_node": node,
	}))
	d.mu.Unlock()

	d.apply(ctx, fx)
	return nil
}

// Complete marks a job COMPLETED and frees its robot slot
func (d *Dispatcher) Complete(ctx context.Context, robotID, jobID string, result json.RawMessage) error {
	var fx effects
	d.mu.Lock()
	job, err := d.ownedLocked(robotID, jobID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	job.Result = slices.Clone(result)
	job.Progress = 100
	d.finishLocked(&fx, job, domain.JobCompleted)
	assigned := d.dispatchPendingLocked(&fx)
	d.mu.Unlock()

	d.logger.Info("job completed", "job_id", jobID, "robot_id", robotID, "next_assigned", assigned)
	d.apply(ctx, fx)
	return nil
}

// Fail records a failed execution. With retries left the job returns to
// PENDING after a backoff delay; otherwise it is FAILED and dead-lettered.
func (d *Dispatcher) Fail(ctx context.Context, robotID, jobID, message, details string) error {
	var fx effects
	d.mu.Lock()
	job, err := d.ownedLocked(robotID, jobID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	retried := d.failLocked(&fx, job, message, details)
	attempt := fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)
	d.dispatchPendingLocked(&fx)
	d.mu.Unlock()

	if retried {
		d.logger.Warn("job failed, retry scheduled", "job_id", jobID, "robot_id", robotID,
			"retry", attempt, "err", message)
	} else {
		d.logger.Error("job failed permanently", "job_id", jobID, "robot_id", robotID, "err", message)
	}
	d.apply(ctx, fx)
	return nil
}

// failLocked moves job to FAILED and either schedules a retry or routes it
// to the dead letter queue. It reports whether a retry was scheduled.
func (d *Dispatcher) failLocked(fx *effects, job *domain.Job, message, details string) bool {
	now := d.now()
	job.ErrorMessage = message
	job.ErrorDetails = details
	if job.FirstFailedAt == nil {
		job.FirstFailedAt = &now
	}
	robotID := job.RobotID
	d.releaseLocked(job)
	_ = d.transitionLocked(fx, job, domain.JobFailed)

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		next := now.Add(d.retry.delay(job.RetryCount))
		job.NextAttemptAt = &next
		job.RobotID = ""
		d.avoid[job.ID] = robotID
		_ = d.transitionLocked(fx, job, domain.JobPending)
		d.pending.Enqueue(job.ID, job.Priority, job.ID)
		return true
	}

	job.CompletedAt = &now
	d.observeDuration(job)
	d.done(job)
	delete(d.avoid, job.ID)
	fx.dead = append(fx.dead, job.Clone())
	return false
}

// Cancel stops a job that has not reached a terminal state
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	var fx effects
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if !domain.CanTransition(job.Status, domain.JobCancelled) {
		status := job.Status
		d.mu.Unlock()
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, status)
	}
	if job.Status.Active() {
		fx.cancel = append(fx.cancel, cancelNotice{robotID: job.RobotID, jobID: job.ID, reason: "cancelled"})
	}
	d.finishLocked(&fx, job, domain.JobCancelled)
	d.dispatchPendingLocked(&fx)
	snap := job.Clone()
	d.mu.Unlock()

	d.logger.Info("job cancelled", "job_id", jobID)
	d.apply(ctx, fx)
	return snap, nil
}

// finishLocked moves job into a terminal state and releases what it holds
func (d *Dispatcher) finishLocked(fx *effects, job *domain.Job, to domain.JobStatus) {
	now := d.now()
	d.releaseLocked(job)
	d.pending.Remove(job.ID)
	delete(d.avoid, job.ID)
	job.CompletedAt = &now
	job.NextAttemptAt = nil
	if err := d.transitionLocked(fx, job, to); err != nil {
		d.logger.Error("terminal transition refused", "job_id", job.ID, "err", err)
		return
	}
	d.observeDuration(job)
	d.done(job)
}

// requeueLocked returns an active job to PENDING
func (d *Dispatcher) requeueLocked(fx *effects, job *domain.Job) {
	d.releaseLocked(job)
	job.RobotID = ""
	job.StartedAt = nil
	job.QueuedAt = nil
	job.Progress = 0
	job.CurrentNode = ""
	if err := d.transitionLocked(fx, job, domain.JobPending); err != nil {
		d.logger.Error("requeue refused", "job_id", job.ID, "err", err)
		return
	}
	d.pending.Enqueue(job.ID, job.Priority, job.ID)
}

// dispatchPendingLocked offers freed capacity to waiting jobs
func (d *Dispatcher) dispatchPendingLocked(fx *effects) int {
	assigned := 0
	for _, id := range d.pending.Keys() {
		if job, ok := d.jobs[id]; ok && d.assignLocked(fx, job) {
			assigned++
		}
	}
	return assigned
}

func (d *Dispatcher) observeDuration(job *domain.Job) {
	if job.QueuedAt == nil || job.CompletedAt == nil {
		return
	}
	d.metrics.ObserveJobDuration(string(job.Status), job.CompletedAt.Sub(*job.QueuedAt))
}
