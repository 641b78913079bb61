package domain

import (
	"fmt"
	"slices"
	"time"
)

// Robot is a snapshot of a connected worker process. The fleet registry owns
// the live copy; everything else receives values.
type Robot struct {
	ID                string
	Name              string
	TenantID          string
	Environment       string
	Status            RobotStatus
	Capabilities      []Capability
	Tags              []string
	CurrentJobs       int
	MaxConcurrentJobs int
	CurrentJobIDs     []string
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	LastHeartbeat     time.Time
	RegisteredAt      time.Time
}

// SpareCapacity returns how many more jobs the robot can take
func (r Robot) SpareCapacity() int {
	spare := r.MaxConcurrentJobs - r.CurrentJobs
	if spare < 0 {
		return 0
	}
	return spare
}

// LoadRatio is current_jobs / max_concurrent_jobs; a robot without capacity
// counts as fully loaded.
func (r Robot) LoadRatio() float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(r.CurrentJobs) / float64(r.MaxConcurrentJobs)
}

// HasCapabilities reports whether the robot advertises every required capability
func (r Robot) HasCapabilities(required []Capability) bool {
	for _, c := range required {
		if !slices.Contains(r.Capabilities, c) {
			return false
		}
	}
	return true
}

// CanAcceptJob is true for online robots and busy robots that still have a
// free slot.
func (r Robot) CanAcceptJob() bool {
	switch r.Status {
	case RobotOnline, RobotBusy:
		return r.SpareCapacity() > 0
	default:
		return false
	}
}

// RobotAssignment pins a workflow to a robot. At most one assignment per
// workflow is the default.
type RobotAssignment struct {
	WorkflowID string `toml:"workflow_id" json:"workflow_id"`
	RobotID    string `toml:"robot_id" json:"robot_id"`
	IsDefault  bool   `toml:"is_default" json:"is_default"`
}

// ResourceAllocation records one held permit of a limited resource
type ResourceAllocation struct {
	AllocationID string
	AgentID      string
	ResourceType string
	PartitionID  string
	AcquiredAt   time.Time
}

// ValidateAssignments checks that every workflow has at most one default
// robot and no pair is listed twice.
func ValidateAssignments(list []RobotAssignment) error {
	defaults := make(map[string]string)
	seen := make(map[[2]string]bool)
	for _, a := range list {
		if a.WorkflowID == "" || a.RobotID == "" {
			return fmt.Errorf("%w: assignment needs workflow_id and robot_id", ErrValidation)
		}
		key := [2]string{a.WorkflowID, a.RobotID}
		if seen[key] {
			return fmt.Errorf("%w: duplicate assignment %s -> %s", ErrValidation, a.WorkflowID, a.RobotID)
		}
		seen[key] = true
		if !a.IsDefault {
			continue
		}
		if prev, ok := defaults[a.WorkflowID]; ok {
			return fmt.Errorf("%w: workflow %s has two default robots (%s, %s)",
				ErrValidation, a.WorkflowID, prev, a.RobotID)
		}
		defaults[a.WorkflowID] = a.RobotID
	}
	return nil
}
