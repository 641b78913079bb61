package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

var errNoDeadLetterSink = errors.New("no dead letter queue configured")

// pendingDeadLetter is an exhausted job the dead letter queue has not
// accepted yet
type pendingDeadLetter struct {
	job      domain.Job
	attempts int
	next     time.Time
}

// deadLetter hands job to sink and marks it dead-lettered. A job the sink
// refuses is kept for RetryDeadLetters. Called without d.mu held.
func (d *Dispatcher) deadLetter(ctx context.Context, sink DeadLetterSink, job domain.Job, attempts int) bool {
	err := errNoDeadLetterSink
	if sink != nil {
		_, err = sink.Add(ctx, job)
	}
	if err != nil {
		attempts++
		next := d.now().Add(d.retry.delay(attempts))
		d.logger.Error("dead-letter job", "job_id", job.ID, "attempt", attempts, "retry_at", next, "err", err)
		d.mu.Lock()
		d.undead[job.ID] = &pendingDeadLetter{job: job, attempts: attempts, next: next}
		d.mu.Unlock()
		return false
	}

	now := d.now()
	d.mu.Lock()
	delete(d.undead, job.ID)
	if cur, ok := d.jobs[job.ID]; ok {
		cur.DeadLetteredAt = &now
		cur.Version++
		job = cur.Clone()
	} else {
		job.DeadLetteredAt = &now
		job.Version++
	}
	d.mu.Unlock()

	if d.repo != nil {
		if err := d.repo.SaveJob(ctx, job); err != nil {
			d.logger.Error("persist job", "job_id", job.ID, "version", job.Version, "err", err)
		}
	}
	return true
}

// RetryDeadLetters resends exhausted jobs whose dead-letter attempt failed
// and whose backoff has elapsed. It returns the number accepted.
func (d *Dispatcher) RetryDeadLetters(ctx context.Context) int {
	now := d.now()
	d.mu.Lock()
	sink := d.dead
	var due []pendingDeadLetter
	for _, p := range d.undead {
		if !p.next.After(now) {
			due = append(due, *p)
		}
	}
	d.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })
	n := 0
	for _, p := range due {
		if d.deadLetter(ctx, sink, p.job, p.attempts) {
			n++
		}
	}
	if n > 0 {
		d.logger.Info("dead-lettered jobs on retry", "count", n)
	}
	return n
}

// DeadLettersWaiting returns how many exhausted jobs still wait for the dead
// letter queue
func (d *Dispatcher) DeadLettersWaiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.undead)
}
