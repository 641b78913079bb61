// Package domain holds the entities shared by the fleet registry, the job
// dispatcher and the dead letter queue: robots, jobs, assignments and the
// error taxonomy surfaced to callers.
package domain

import (
	"fmt"
	"strings"
)

// RobotStatus represents the connection and load state of a robot
type RobotStatus string

const (
	RobotOnline      RobotStatus = "online"
	RobotOffline     RobotStatus = "offline"
	RobotBusy        RobotStatus = "busy"
	RobotError       RobotStatus = "error"
	RobotMaintenance RobotStatus = "maintenance"
)

// ParseRobotStatus validates a status string
func ParseRobotStatus(s string) (RobotStatus, error) {
	switch st := RobotStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case RobotOnline, RobotOffline, RobotBusy, RobotError, RobotMaintenance:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown robot status %q", ErrValidation, s)
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
)

// ParseJobStatus validates a status string
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case JobPending, JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, s)
}

// Active reports whether a robot is bound to a job in this state
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Capability is a named ability a robot advertises
type Capability string

const (
	CapabilityBrowser    Capability = "browser"
	CapabilityDesktop    Capability = "desktop"
	CapabilityGPU        Capability = "gpu"
	CapabilityHighMemory Capability = "high_memory"
	CapabilityNetwork    Capability = "network"
	CapabilityOnPremise  Capability = "on_premise"
	CapabilityCloud      Capability = "cloud"
)

var knownCapabilities = map[Capability]bool{
	CapabilityBrowser:    true,
	CapabilityDesktop:    true,
	CapabilityGPU:        true,
	CapabilityHighMemory: true,
	CapabilityNetwork:    true,
	CapabilityOnPremise:  true,
	CapabilityCloud:      true,
}

// ParseCapability normalizes and validates a capability name
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !knownCapabilities[c] {
		return "", fmt.Errorf("%w: unknown capability %q", ErrValidation, s)
	}
	return c, nil
}

// ParseCapabilities parses a list, dropping duplicates
func ParseCapabilities(in []string) ([]Capability, error) {
	out := make([]Capability, 0, len(in))
	seen := make(map[Capability]bool, len(in))
	for _, s := range in {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// Priority orders pending work; higher tiers are dispatched first
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Clamp forces the priority into the supported tiers
func (p Priority) Clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

func (p Priority) String() string {
	switch p.Clamp() {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}
