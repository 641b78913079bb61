// Package dispatch owns the job state machine. It selects a robot for each
// job, binds the job to the robot's capacity atomically and reacts to the
// robot's progress and failure reports.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/robot-orchestrator/internal/admission"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
	"github.com/hochfrequenz/robot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

// Fleet is the registry view the dispatcher needs
type Fleet interface {
	List(f fleet.Filter) []domain.Robot
	Reserve(robotID, jobID string) error
	Release(robotID, jobID string)
	Has(robotID string) bool
}

// Repository persists jobs. SaveJob must ignore a write whose Version is not
// newer than the stored one.
type Repository interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	LoadActiveJobs(ctx context.Context) ([]domain.Job, error)
}

// DeadLetterSink receives jobs that exhausted their retries
type DeadLetterSink interface {
	Add(ctx context.Context, job domain.Job) (domain.DLQEntry, error)
}

// AssignmentSource resolves a workflow's default robot
type AssignmentSource interface {
	DefaultRobot(workflowID string) (string, bool)
}

// Admission gates triggered submissions
type Admission interface {
	Admit(key, executionID string) error
	Done(executionID string)
}

// Resources hands out permits for limited capabilities
type Resources interface {
	Limited(resourceType string) bool
	TryAcquire(agentID, resourceType, partitionID string) (domain.ResourceAllocation, error)
	Release(allocationID string) bool
}

// SendFunc delivers a message to a robot's session
type SendFunc func(robotID, msgType string, payload any) error

// SubmitRequest describes a new job
type SubmitRequest struct {
	JobID                string
	WorkflowID           string
	WorkflowName         string
	RobotID              string
	Priority             domain.Priority
	Environment          string
	Payload              json.RawMessage
	RequiredCapabilities []domain.Capability
	TriggerKey           string
	MaxRetries           *int
	CreatedBy            string
	ScheduledTime        *time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status     domain.JobStatus
	WorkflowID string
	RobotID    string
	Limit      int
}

// Options configures a Dispatcher
type Options struct {
	JobTimeout     time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	RetainTerminal time.Duration

	Assignments AssignmentSource
	Admission   Admission
	Resources   Resources
	Detector    CapabilityDetector
	DeadLetters DeadLetterSink

	Logger  *slog.Logger
	Events  events.Publisher
	Metrics *metrics.Metrics
}

// Dispatcher manages jobs from submission to a terminal state
type Dispatcher struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	pending     *admission.PriorityQueue[string]
	allocations map[string][]string
	avoid       map[string]string
	undead      map[string]*pendingDeadLetter

	fleet       Fleet
	repo        Repository
	dead        DeadLetterSink
	assignments AssignmentSource
	gate        Admission
	resources   Resources
	detector    CapabilityDetector
	send        SendFunc

	jobTimeout     time.Duration
	maxRetries     int
	retry          *retryPolicy
	retainTerminal time.Duration

	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// New creates a dispatcher over the given fleet and repository
func New(f Fleet, repo Repository, opts Options) *Dispatcher {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Hour
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetainTerminal <= 0 {
		opts.RetainTerminal = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Detector == nil {
		opts.Detector = NopDetector{}
	}
	return &Dispatcher{
		jobs:           make(map[string]*domain.Job),
		pending:        admission.NewPriorityQueue[string](),
		allocations:    make(map[string][]string),
		avoid:          make(map[string]string),
		undead:         make(map[string]*pendingDeadLetter),
		fleet:          f,
		repo:           repo,
		dead:           opts.DeadLetters,
		assignments:    opts.Assignments,
		gate:           opts.Admission,
		resources:      opts.Resources,
		detector:       opts.Detector,
		jobTimeout:     opts.JobTimeout,
		maxRetries:     opts.MaxRetries,
		retry:          newRetryPolicy(opts.RetryBase, opts.RetryMax),
		retainTerminal: opts.RetainTerminal,
		logger:         opts.Logger,
		events:         opts.Events,
		metrics:        opts.Metrics,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// SetSendFunc sets the function used to deliver messages to robots
func (d *Dispatcher) SetSendFunc(fn SendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.send = fn
}

// SetDeadLetterSink sets where exhausted jobs go
func (d *Dispatcher) SetDeadLetterSink(sink DeadLetterSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = sink
}

// Submit records a job and tries to assign it. A job that cannot be placed
// yet is returned PENDING without error. Errors are returned only for
// invalid requests, admission rejections and an unavailable explicit robot.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if req.WorkflowID == "" {
		return domain.Job{}, fmt.Errorf("%w: workflow id is required", domain.ErrValidation)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return domain.Job{}, fmt.Errorf("%w: payload is not valid JSON", domain.ErrValidation)
	}
	now := d.now()
	scheduled := req.ScheduledTime != nil && req.ScheduledTime.After(now)
	if scheduled && req.RobotID != "" {
		return domain.Job{}, fmt.Errorf("%w: a scheduled job cannot target an explicit robot", domain.ErrValidation)
	}

	id := req.JobID
	if id == "" {
		id = d.newID()
	}
	maxRetries := d.maxRetries
	if req.MaxRetries != nil {
		maxRetries = max(*req.MaxRetries, 0)
	}

	job := &domain.Job{
		ID:                   id,
		WorkflowID:           req.WorkflowID,
		WorkflowName:         req.WorkflowName,
		Status:               domain.JobPending,
		Priority:             req.Priority.Clamp(),
		Environment:          req.Environment,
		Payload:              slices.Clone(req.Payload),
		RequiredCapabilities: mergeCapabilities(req.RequiredCapabilities, d.detector.Detect(req.Payload)),
		TriggerKey:           req.TriggerKey,
		MaxRetries:           maxRetries,
		CreatedAt:            now,
		CreatedBy:            req.CreatedBy,
		ScheduledTime:        req.ScheduledTime,
		Version:              1,
	}

	// pruned jobs live on only in the repository
	if req.JobID != "" && d.repo != nil {
		if _, err := d.repo.GetJob(ctx, id); err == nil {
			return domain.Job{}, fmt.Errorf("%w: job %s already exists", domain.ErrValidation, id)
		} else if !errors.Is(err, domain.ErrJobNotFound) {
			return domain.Job{}, fmt.Errorf("check job %s: %w", id, err)
		}
	}

	d.mu.Lock()
	if _, dup := d.jobs[id]; dup {
		d.mu.Unlock()
		return domain.Job{}, fmt.Errorf("%w: job %s already exists", domain.ErrValidation, id)
	}

	// a refused explicit robot must leave no admission state
	if req.RobotID != "" {
		if err := d.fleet.Reserve(req.RobotID, id); err != nil {
			d.mu.Unlock()
			return domain.Job{}, err
		}
		if err := d.acquireResourcesLocked(job, req.RobotID); err != nil {
			d.fleet.Release(req.RobotID, id)
			d.mu.Unlock()
			return domain.Job{}, err
		}
	}
	if req.TriggerKey != "" && d.gate != nil {
		if err := d.gate.Admit(req.TriggerKey, id); err != nil {
			if req.RobotID != "" {
				job.RobotID = req.RobotID
				d.releaseLocked(job)
			}
			d.mu.Unlock()
			return domain.Job{}, err
		}
	}

	var fx effects
	if req.RobotID != "" {
		d.jobs[id] = job
		fx.created(job)
		d.queueLocked(&fx, job, req.RobotID)
	} else {
		d.jobs[id] = job
		d.pending.Enqueue(id, job.Priority, id)
		fx.created(job)
		d.assignLocked(&fx, job)
	}
	snap := job.Clone()
	d.mu.Unlock()

	d.logger.Info("job submitted", "job_id", id, "workflow_id", req.WorkflowID,
		"status", snap.Status, "robot_id", snap.RobotID, "scheduled", scheduled)
	d.apply(ctx, fx)
	return snap, nil
}

// SelectRobot returns the robot a job would be assigned to now
func (d *Dispatcher) SelectRobot(job domain.Job) (domain.Robot, error) {
	job.RequiredCapabilities = mergeCapabilities(job.RequiredCapabilities, d.detector.Detect(job.Payload))
	d.mu.Lock()
	defer d.mu.Unlock()
	candidates := d.candidatesLocked(&job)
	if len(candidates) == 0 {
		return domain.Robot{}, domain.ErrNoAvailableRobot
	}
	return candidates[0], nil
}

// candidatesLocked returns eligible robots in preference order: the default
// assignment first, then lowest load ratio, ties by id. A robot that just
// rejected the job goes last.
func (d *Dispatcher) candidatesLocked(job *domain.Job) []domain.Robot {
	candidates := d.fleet.List(fleet.Filter{
		Status:       domain.RobotOnline,
		Capabilities: job.RequiredCapabilities,
		MinCapacity:  1,
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].LoadRatio(), candidates[j].LoadRatio()
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	if d.assignments != nil {
		if def, ok := d.assignments.DefaultRobot(job.WorkflowID); ok {
			moveToFront(candidates, func(r domain.Robot) bool { return r.ID == def })
		}
	}
	if avoid, ok := d.avoid[job.ID]; ok && len(candidates) > 1 && candidates[0].ID == avoid {
		candidates = append(candidates[1:], candidates[0])
	}
	return candidates
}

func moveToFront(robots []domain.Robot, match func(domain.Robot) bool) {
	for i, r := range robots {
		if match(r) {
			copy(robots[1:i+1], robots[:i])
			robots[0] = r
			return
		}
	}
}

// assignLocked tries to move a PENDING job to QUEUED on the best candidate.
// The status check, the capacity reservation and the transition happen under
// d.mu, so no two callers can bind the same job.
func (d *Dispatcher) assignLocked(fx *effects, job *domain.Job) bool {
	if job.Status != domain.JobPending {
		return false
	}
	now := d.now()
	if job.ScheduledTime != nil && job.ScheduledTime.After(now) {
		return false
	}
	if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
		return false
	}

	for _, robot := range d.candidatesLocked(job) {
		if err := d.fleet.Reserve(robot.ID, job.ID); err != nil {
			continue
		}
		if err := d.acquireResourcesLocked(job, robot.ID); err != nil {
			d.fleet.Release(robot.ID, job.ID)
			d.metrics.DispatchAttempt("no_resource")
			return false
		}
		d.queueLocked(fx, job, robot.ID)
		d.metrics.DispatchAttempt("assigned")
		return true
	}
	d.metrics.DispatchAttempt("no_robot")
	return false
}

// queueLocked binds job to robotID. The caller already holds the robot's
// capacity slot.
func (d *Dispatcher) queueLocked(fx *effects, job *domain.Job, robotID string) {
	now := d.now()
	job.RobotID = robotID
	job.QueuedAt = &now
	job.StartedAt = nil
	job.NextAttemptAt = nil
	job.Progress = 0
	job.CurrentNode = ""
	d.pending.Remove(job.ID)
	delete(d.avoid, job.ID)
	d.transitionLocked(fx, job, domain.JobQueued)
	fx.deliver = append(fx.deliver, job.Clone())
}

func (d *Dispatcher) acquireResourcesLocked(job *domain.Job, robotID string) error {
	if d.resources == nil {
		return nil
	}
	var held []string
	for _, c := range job.RequiredCapabilities {
		if !d.resources.Limited(string(c)) {
			continue
		}
		a, err := d.resources.TryAcquire(robotID, string(c), job.ID)
		if err != nil {
			for _, id := range held {
				d.resources.Release(id)
			}
			return err
		}
		held = append(held, a.AllocationID)
	}
	if len(held) > 0 {
		d.allocations[job.ID] = held
	}
	return nil
}

// releaseLocked frees the robot slot and resource permits held by job
func (d *Dispatcher) releaseLocked(job *domain.Job) {
	if job.RobotID != "" {
		d.fleet.Release(job.RobotID, job.ID)
	}
	if d.resources != nil {
		for _, id := range d.allocations[job.ID] {
			d.resources.Release(id)
		}
	}
	delete(d.allocations, job.ID)
}

// transitionLocked applies a state machine step and queues persistence and
// events for it. Invalid steps are refused.
func (d *Dispatcher) transitionLocked(fx *effects, job *domain.Job, to domain.JobStatus) error {
	from := job.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	job.Status = to
	job.Version++
	d.metrics.JobTransition(string(from), string(to))
	fx.changed(job)
	return nil
}

// done releases a triggered job's admission slot
func (d *Dispatcher) done(job *domain.Job) {
	if job.TriggerKey != "" && d.gate != nil {
		d.gate.Done(job.ID)
	}
}

// TryDispatch assigns every due PENDING job it can, highest priority first.
// It returns the number of jobs assigned.
func (d *Dispatcher) TryDispatch(ctx context.Context) int {
	var fx effects
	assigned := 0
	d.mu.Lock()
	for _, id := range d.pending.Keys() {
		job, ok := d.jobs[id]
		if !ok || job.Status != domain.JobPending {
			d.pending.Remove(id)
			continue
		}
		if d.assignLocked(&fx, job) {
			assigned++
		}
	}
	d.mu.Unlock()

	d.apply(ctx, fx)
	return assigned
}

// Get returns a job from memory or, once evicted, from the repository
func (d *Dispatcher) Get(ctx context.Context, id string) (domain.Job, error) {
	d.mu.Lock()
	job, ok := d.jobs[id]
	var snap domain.Job
	if ok {
		snap = job.Clone()
	}
	d.mu.Unlock()
	if ok {
		return snap, nil
	}
	if d.repo == nil {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return d.repo.GetJob(ctx, id)
}

// List returns jobs held in memory, newest first
func (d *Dispatcher) List(f Filter) []domain.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Job
	for _, j := range d.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.WorkflowID != "" && j.WorkflowID != f.WorkflowID {
			continue
		}
		if f.RobotID != "" && j.RobotID != f.RobotID {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats counts in-memory jobs by status
func (d *Dispatcher) Stats() map[domain.JobStatus]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := make(map[domain.JobStatus]int)
	for _, j := range d.jobs {
		stats[j.Status]++
	}
	return stats
}

// PendingCount returns the number of jobs waiting for a robot
func (d *Dispatcher) PendingCount() int {
	return d.pending.Len()
}

func mergeCapabilities(explicit, detected []domain.Capability) []domain.Capability {
	out := slices.Clone(explicit)
	for _, c := range detected {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

type cancelNotice struct {
	robotID string
	jobID   string
	reason  string
}

// effects collects the I/O caused by a locked section so it can run after
// the lock is released.
type effects struct {
	save    []domain.Job
	deliver []domain.Job
	cancel  []cancelNotice
	dead    []domain.Job
	events  []events.Event
}

func (fx *effects) created(job *domain.Job) {
	fx.events = append(fx.events, events.New(events.JobCreated, protocol.NewJobInfo(*job)))
	fx.save = append(fx.save, job.Clone())
}

func (fx *effects) changed(job *domain.Job) {
	fx.events = append(fx.events, events.New(events.JobStatus, protocol.NewJobInfo(*job)))
	fx.save = append(fx.save, job.Clone())
}

func (d *Dispatcher) apply(ctx context.Context, fx effects) {
	if d.repo != nil {
		// later snapshots of the same job carry a higher Version
		for _, j := range fx.save {
			if err := d.repo.SaveJob(ctx, j); err != nil {
				d.logger.Error("persist job", "job_id", j.ID, "version", j.Version, "err", err)
			}
		}
	}
	for _, ev := range fx.events {
		d.events.Publish(ev)
	}

	d.mu.Lock()
	send, dead := d.send, d.dead
	d.mu.Unlock()

	for _, j := range fx.deliver {
		if send == nil {
			d.logger.Warn("no transport for job delivery", "job_id", j.ID, "robot_id", j.RobotID)
			continue
		}
		if err := send(j.RobotID, protocol.TypeJobAssign, protocol.NewJobAssign(j, d.jobTimeout)); err != nil {
			d.logger.Warn("job delivery failed, left for reconciliation", "job_id", j.ID, "robot_id", j.RobotID, "err", err)
			continue
		}
		d.logger.Debug("job delivered", "job_id", j.ID, "robot_id", j.RobotID)
	}
	for _, c := range fx.cancel {
		if send == nil {
			continue
		}
		if err := send(c.robotID, protocol.TypeJobCancel, protocol.JobCancelMessage{JobID: c.jobID, Reason: c.reason}); err != nil {
			d.logger.Debug("cancel notice not delivered", "job_id", c.jobID, "robot_id", c.robotID, "err", err)
		}
	}
	for _, j := range fx.dead {
		d.deadLetter(ctx, dead, j, 0)
	}
}
