// Package fleet provides the robot registry for the coordinator. It tracks
// connected robots, their capabilities and reserved capacity, and derives
// each robot's status from heartbeat recency and load.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

// Session is the write side of a robot connection
type Session interface {
	Send(msgType string, payload any) error
	Close(reason string) error
}

// RegisterRequest carries the identity a robot announces on connect
type RegisterRequest struct {
	RobotID           string
	Name              string
	TenantID          string
	Environment       string
	Capabilities      []domain.Capability
	Tags              []string
	MaxConcurrentJobs int
}

// Telemetry is the heartbeat payload. Status may be empty, error,
// maintenance or online (which clears a previously reported error).
type Telemetry struct {
	Status        domain.RobotStatus
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status       domain.RobotStatus
	Capabilities []domain.Capability
	MinCapacity  int
	TenantID     string
}

// Options configures a Registry
type Options struct {
	HeartbeatTimeout time.Duration
	OfflineRemoval   time.Duration
	Logger           *slog.Logger
	Events           events.Publisher
	Metrics          *metrics.Metrics
}

type entry struct {
	robot    domain.Robot
	override domain.RobotStatus
	session  Session
	jobs     map[string]struct{}
}

// Registry tracks connected robots
type Registry struct {
	mu     sync.RWMutex
	robots map[string]*entry

	heartbeatTimeout time.Duration
	offlineRemoval   time.Duration
	logger           *slog.Logger
	events           events.Publisher
	metrics          *metrics.Metrics
	onUnregister     func(robotID string)
	now              func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.OfflineRemoval <= 0 {
		opts.OfflineRemoval = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Registry{
		robots:           make(map[string]*entry),
		heartbeatTimeout: opts.HeartbeatTimeout,
		offlineRemoval:   opts.OfflineRemoval,
		logger:           opts.Logger,
		events:           opts.Events,
		metrics:          opts.Metrics,
		now:              time.Now,
	}
}

// SetUnregisterHook sets the function called after a robot is removed. The
// dispatcher uses it to requeue the robot's jobs.
func (r *Registry) SetUnregisterHook(fn func(robotID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = fn
}

// Register adds a robot or refreshes an existing one. Re-registration swaps
// the session and capability set but keeps the reserved jobs.
func (r *Registry) Register(req RegisterRequest, session Session) (domain.Robot, error) {
	if req.RobotID == "" {
		return domain.Robot{}, fmt.Errorf("%w: robot id is required", domain.ErrValidation)
	}
	if req.MaxConcurrentJobs <= 0 {
		req.MaxConcurrentJobs = 1
	}
	if req.Name == "" {
		req.Name = req.RobotID
	}

	now := r.now()
	r.mu.Lock()
	e, existed := r.robots[req.RobotID]
	var replaced Session
	if !existed {
		e = &entry{jobs: make(map[string]struct{})}
		e.robot.RegisteredAt = now
		r.robots[req.RobotID] = e
	} else if e.session != nil && e.session != session {
		replaced = e.session
	}
	e.session = session
	e.robot.ID = req.RobotID
	e.robot.Name = req.Name
	e.robot.TenantID = req.TenantID
	e.robot.Environment = req.Environment
	e.robot.Capabilities = slices.Clone(req.Capabilities)
	e.robot.Tags = slices.Clone(req.Tags)
	e.robot.MaxConcurrentJobs = max(req.MaxConcurrentJobs, e.robot.CurrentJobs)
	e.robot.LastHeartbeat = now
	if e.override == domain.RobotError {
		e.override = ""
	}
	snap := r.snapshot(e, now)
	e.robot.Status = snap.Status
	r.mu.Unlock()

	if replaced != nil {
		if err := replaced.Close("replaced by new session"); err != nil {
			r.logger.Debug("close replaced session", "robot_id", req.RobotID, "err", err)
		}
	}
	if req.MaxConcurrentJobs < snap.CurrentJobs {
		r.logger.Warn("robot re-registered with fewer slots than reserved jobs",
			"robot_id", req.RobotID, "max", req.MaxConcurrentJobs, "current", snap.CurrentJobs)
	}

	r.logger.Info("robot registered", "robot_id", req.RobotID, "capabilities", req.Capabilities,
		"max_jobs", snap.MaxConcurrentJobs, "reconnect", existed)
	r.events.Publish(events.New(events.RobotRegistered, protocol.NewRobotInfo(snap)))
	r.reportMetrics()
	return snap, nil
}

// Heartbeat records liveness and telemetry. Unknown robots are logged and
// ignored; a late heartbeat can race with disconnect.
func (r *Registry) Heartbeat(robotID string, t Telemetry) {
	now := r.now()
	r.mu.Lock()
	e, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("heartbeat from unknown robot", "robot_id", robotID)
		return
	}
	e.robot.LastHeartbeat = now
	e.robot.CPUPercent = t.CPUPercent
	e.robot.MemoryPercent = t.MemoryPercent
	e.robot.DiskPercent = t.DiskPercent
	switch t.Status {
	case domain.RobotError, domain.RobotMaintenance:
		e.override = t.Status
	case domain.RobotOnline:
		e.override = ""
	}
	changed, snap := r.refresh(e, now)
	r.mu.Unlock()

	if changed {
		r.statusChanged(snap)
	}
}

// Unregister removes a robot, closes its session and runs the unregister
// hook. Unknown ids are a no-op.
func (r *Registry) Unregister(robotID string) {
	r.mu.Lock()
	e, ok := r.robots[robotID]
	if ok {
		delete(r.robots, robotID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if e.session != nil {
		_ = e.session.Close("unregistered")
	}
	r.removed(robotID, "unregistered")
}

// Disconnect unregisters robotID only if session is still its current
// session. It reports whether the robot was removed.
func (r *Registry) Disconnect(robotID string, session Session) bool {
	r.mu.Lock()
	e, ok := r.robots[robotID]
	if !ok || e.session != session {
		r.mu.Unlock()
		return false
	}
	delete(r.robots, robotID)
	r.mu.Unlock()

	r.removed(robotID, "disconnected")
	return true
}

func (r *Registry) removed(robotID, reason string) {
	r.mu.RLock()
	hook := r.onUnregister
	r.mu.RUnlock()

	r.logger.Info("robot removed", "robot_id", robotID, "reason", reason)
	r.events.Publish(events.New(events.RobotUnregistered, map[string]string{"robot_id": robotID, "reason": reason}))
	r.reportMetrics()
	if hook != nil {
		hook(robotID)
	}
}

// SetStatus applies an operator status. Only online, error and maintenance
// can be set; online clears an explicit status.
func (r *Registry) SetStatus(robotID string, status domain.RobotStatus) (domain.Robot, error) {
	switch status {
	case domain.RobotOnline, domain.RobotError, domain.RobotMaintenance:
	default:
		return domain.Robot{}, fmt.Errorf("%w: status %q cannot be set", domain.ErrValidation, status)
	}

	now := r.now()
	r.mu.Lock()
	e, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return domain.Robot{}, fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	if status == domain.RobotOnline {
		e.override = ""
	} else {
		e.override = status
	}
	changed, snap := r.refresh(e, now)
	r.mu.Unlock()

	if changed {
		r.statusChanged(snap)
	}
	return snap, nil
}

// Reserve takes one capacity slot on robotID for jobID. It fails if the
// robot is unknown or cannot accept another job. Reserving a job twice is a
// no-op.
func (r *Registry) Reserve(robotID, jobID string) error {
	now := r.now()
	r.mu.Lock()
	e, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	if _, held := e.jobs[jobID]; held {
		r.mu.Unlock()
		return nil
	}
	if !r.snapshot(e, now).CanAcceptJob() {
		r.mu.Unlock()
		return fmt.Errorf("%w: robot %s has no free slot", domain.ErrNoAvailableRobot, robotID)
	}
	e.jobs[jobID] = struct{}{}
	e.robot.CurrentJobs++
	changed, snap := r.refresh(e, now)
	r.mu.Unlock()

	if changed {
		r.statusChanged(snap)
	}
	return nil
}

// Release frees the slot held by jobID. Unknown robots or jobs are ignored.
func (r *Registry) Release(robotID, jobID string) {
	now := r.now()
	r.mu.Lock()
	e, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, held := e.jobs[jobID]; !held {
		r.mu.Unlock()
		return
	}
	delete(e.jobs, jobID)
	e.robot.CurrentJobs--
	changed, snap := r.refresh(e, now)
	r.mu.Unlock()

	if changed {
		r.statusChanged(snap)
	}
}

// Get returns a snapshot of one robot
func (r *Registry) Get(robotID string) (domain.Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.robots[robotID]
	if !ok {
		return domain.Robot{}, fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	return r.snapshot(e, r.now()), nil
}

// Has reports whether robotID is registered
func (r *Registry) Has(robotID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.robots[robotID]
	return ok
}

// List returns robots matching f, sorted by id
func (r *Registry) List(f Filter) []domain.Robot {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Robot, 0, len(r.robots))
	for _, e := range r.robots {
		rb := r.snapshot(e, now)
		if f.Status != "" && rb.Status != f.Status {
			continue
		}
		if f.TenantID != "" && rb.TenantID != f.TenantID {
			continue
		}
		if !rb.HasCapabilities(f.Capabilities) {
			continue
		}
		if f.MinCapacity > 0 && rb.SpareCapacity() < f.MinCapacity {
			continue
		}
		result = append(result, rb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of registered robots
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.robots)
}

// CountByStatus returns the number of robots per derived status
func (r *Registry) CountByStatus() map[string]int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range r.robots {
		counts[string(r.snapshot(e, now).Status)]++
	}
	return counts
}

// Session returns the current session of robotID
func (r *Registry) Session(robotID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.robots[robotID]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Send writes a message to robotID's session outside the registry lock
func (r *Registry) Send(robotID, msgType string, payload any) error {
	s, ok := r.Session(robotID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, robotID)
	}
	return s.Send(msgType, payload)
}

// Sweep marks robots with a stale heartbeat offline and removes robots that
// have been silent longer than the offline removal period.
func (r *Registry) Sweep() (offline, removed int) {
	now := r.now()
	var changed []domain.Robot
	expired := make(map[string]Session)

	// expired entries leave the map under the same lock that judged them, so
	// a robot re-registering meanwhile keeps its new entry
	r.mu.Lock()
	for id, e := range r.robots {
		if now.Sub(e.robot.LastHeartbeat) > r.offlineRemoval {
			delete(r.robots, id)
			expired[id] = e.session
			continue
		}
		if ok, snap := r.refresh(e, now); ok {
			changed = append(changed, snap)
		}
		if e.robot.Status == domain.RobotOffline {
			offline++
		}
	}
	r.mu.Unlock()

	for _, snap := range changed {
		r.statusChanged(snap)
	}
	ids := make([]string, 0, len(expired))
	for id := range expired {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if s := expired[id]; s != nil {
			_ = s.Close("unregistered")
		}
		r.removed(id, "heartbeat expired")
	}
	return offline, len(ids)
}

// Run sweeps every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// snapshot copies e with its status derived at now. Caller holds r.mu.
func (r *Registry) snapshot(e *entry, now time.Time) domain.Robot {
	rb := e.robot
	rb.Capabilities = slices.Clone(e.robot.Capabilities)
	rb.Tags = slices.Clone(e.robot.Tags)
	rb.CurrentJobIDs = make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		rb.CurrentJobIDs = append(rb.CurrentJobIDs, id)
	}
	sort.Strings(rb.CurrentJobIDs)
	rb.Status = r.derive(e, now)
	return rb
}

func (r *Registry) derive(e *entry, now time.Time) domain.RobotStatus {
	switch {
	case now.Sub(e.robot.LastHeartbeat) > r.heartbeatTimeout:
		return domain.RobotOffline
	case e.override != "":
		return e.override
	case e.robot.CurrentJobs >= e.robot.MaxConcurrentJobs:
		return domain.RobotBusy
	default:
		return domain.RobotOnline
	}
}

// refresh stores the derived status and reports whether it changed. Caller
// holds r.mu for writing.
func (r *Registry) refresh(e *entry, now time.Time) (bool, domain.Robot) {
	snap := r.snapshot(e, now)
	changed := snap.Status != e.robot.Status
	e.robot.Status = snap.Status
	return changed, snap
}

func (r *Registry) statusChanged(rb domain.Robot) {
	level := slog.LevelInfo
	if rb.Status == domain.RobotBusy || rb.Status == domain.RobotOnline {
		level = slog.LevelDebug
	}
	r.logger.Log(context.Background(), level, "robot status changed", "robot_id", rb.ID, "status", rb.Status)
	r.events.Publish(events.New(events.RobotStatus, protocol.NewRobotInfo(rb)))
	r.reportMetrics()
}

func (r *Registry) reportMetrics() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetRobots(r.CountByStatus())
}
