package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// RequeueRobot returns every job bound to robotID to PENDING. The registry
// calls it after the robot is unregistered.
func (d *Dispatcher) RequeueRobot(robotID string) int {
	var fx effects
	n := 0
	d.mu.Lock()
	for _, job := range d.jobs {
		if job.Status.Active() && job.RobotID == robotID {
			d.requeueLocked(&fx, job)
			n++
		}
	}
	if n > 0 {
		d.dispatchPendingLocked(&fx)
	}
	d.mu.Unlock()

	if n > 0 {
		d.logger.Info("requeued jobs of departed robot", "robot_id", robotID, "count", n)
	}
	d.apply(context.Background(), fx)
	return n
}

// Reconcile requeues QUEUED and RUNNING jobs whose robot is no longer
// registered, then dispatches pending work.
func (d *Dispatcher) Reconcile(ctx context.Context) int {
	var fx effects
	n := 0
	d.mu.Lock()
	for _, job := range d.jobs {
		if job.Status.Active() && !d.fleet.Has(job.RobotID) {
			d.logger.Warn("reconcile: robot gone, requeueing job", "job_id", job.ID, "robot_id", job.RobotID)
			d.requeueLocked(&fx, job)
			n++
		}
	}
	d.dispatchPendingLocked(&fx)
	d.mu.Unlock()

	d.apply(ctx, fx)
	return n
}

// SweepTimeouts moves jobs that held a robot longer than the job timeout to
// TIMEOUT. The clock starts at started_at, or at queued_at for jobs never
// accepted.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) int {
	var fx effects
	now := d.now()
	n := 0
	d.mu.Lock()
	for _, job := range d.jobs {
		if !job.Status.Active() {
			continue
		}
		start := job.QueuedAt
		if job.StartedAt != nil {
			start = job.StartedAt
		}
		if start == nil || now.Sub(*start) <= d.jobTimeout {
			continue
		}
		d.logger.Warn("job timed out", "job_id", job.ID, "robot_id", job.RobotID, "status", job.Status,
			"elapsed", now.Sub(*start).Round(time.Second))
		fx.cancel = append(fx.cancel, cancelNotice{robotID: job.RobotID, jobID: job.ID, reason: "timeout"})
		job.ErrorMessage = fmt.Sprintf("exceeded job timeout of %s", d.jobTimeout)
		d.finishLocked(&fx, job, domain.JobTimeout)
		n++
	}
	if n > 0 {
		d.dispatchPendingLocked(&fx)
	}
	d.mu.Unlock()

	d.apply(ctx, fx)
	return n
}

// Recover loads non-terminal jobs after a restart. Robot reservations do not
// survive a restart, so QUEUED and RUNNING jobs go back to PENDING. Exhausted
// jobs that never reached the dead letter queue are sent there again.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.repo == nil {
		return 0, nil
	}
	jobs, err := d.repo.LoadActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active jobs: %w", err)
	}

	var fx effects
	n := 0
	d.mu.Lock()
	for i := range jobs {
		job := jobs[i].Clone()
		if _, ok := d.jobs[job.ID]; ok {
			continue
		}
		d.jobs[job.ID] = &job
		switch job.Status {
		case domain.JobQueued, domain.JobRunning:
			job.RobotID = ""
			d.requeueLocked(&fx, &job)
		case domain.JobFailed:
			// crashed between FAILED and the retry step
			if job.RetryCount < job.MaxRetries {
				job.RetryCount++
				_ = d.transitionLocked(&fx, &job, domain.JobPending)
				d.pending.Enqueue(job.ID, job.Priority, job.ID)
			} else {
				// crashed before the dead letter queue accepted it
				fx.dead = append(fx.dead, job.Clone())
			}
		case domain.JobPending:
			d.pending.Enqueue(job.ID, job.Priority, job.ID)
		}
		n++
	}
	d.mu.Unlock()

	d.logger.Info("recovered jobs", "count", n)
	d.apply(ctx, fx)
	return n, nil
}

// PruneTerminal drops terminal jobs older than the retention period from
// memory. They stay readable through the repository.
func (d *Dispatcher) PruneTerminal() int {
	cutoff := d.now().Add(-d.retainTerminal)
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, job := range d.jobs {
		if _, waiting := d.undead[id]; waiting {
			continue
		}
		if job.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(d.jobs, id)
			n++
		}
	}
	return n
}

// Run does the periodic maintenance every interval until ctx is done
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.SweepTimeouts(ctx)
			d.Reconcile(ctx)
			d.RetryDeadLetters(ctx)
			d.PruneTerminal()
		}
	}
}
