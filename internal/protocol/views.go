package protocol

import (
	"encoding/json"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// RobotInfo is the wire view of a robot, shared by the admin channel and REST
type RobotInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	TenantID          string    `json:"tenant_id,omitempty"`
	Environment       string    `json:"environment,omitempty"`
	Status            string    `json:"status"`
	Capabilities      []string  `json:"capabilities"`
	Tags              []string  `json:"tags,omitempty"`
	CurrentJobs       int       `json:"current_jobs"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	CurrentJobIDs     []string  `json:"current_job_ids,omitempty"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	DiskPercent       float64   `json:"disk_percent"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// NewRobotInfo converts a registry snapshot
func NewRobotInfo(r domain.Robot) RobotInfo {
	caps := make([]string, len(r.Capabilities))
	for i, c := range r.Capabilities {
		caps[i] = string(c)
	}
	return RobotInfo{
		ID:                r.ID,
		Name:              r.Name,
		TenantID:          r.TenantID,
		Environment:       r.Environment,
		Status:            string(r.Status),
		Capabilities:      caps,
		Tags:              r.Tags,
		CurrentJobs:       r.CurrentJobs,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		CurrentJobIDs:     r.CurrentJobIDs,
		CPUPercent:        r.CPUPercent,
		MemoryPercent:     r.MemoryPercent,
		DiskPercent:       r.DiskPercent,
		LastHeartbeat:     r.LastHeartbeat,
		RegisteredAt:      r.RegisteredAt,
	}
}

// JobInfo is the wire view of a job
type JobInfo struct {
	ID                   string          `json:"id"`
	WorkflowID           string          `json:"workflow_id"`
	WorkflowName         string          `json:"workflow_name,omitempty"`
	RobotID              string          `json:"robot_id,omitempty"`
	Status               string          `json:"status"`
	Priority             int             `json:"priority"`
	Environment          string          `json:"environment,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	TriggerKey           string          `json:"trigger_key,omitempty"`
	RetryCount           int             `json:"retry_count"`
	MaxRetries           int             `json:"max_retries"`
	Progress             int             `json:"progress"`
	CurrentNode          string          `json:"current_node,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	CreatedBy            string          `json:"created_by,omitempty"`
	ScheduledTime        *time.Time      `json:"scheduled_time,omitempty"`
	QueuedAt             *time.Time      `json:"queued_at,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// NewJobInfo converts a dispatcher snapshot. The payload is omitted; it can be
// large and admin views do not need it.
func NewJobInfo(j domain.Job) JobInfo {
	var caps []string
	for _, c := range j.RequiredCapabilities {
		caps = append(caps, string(c))
	}
	return JobInfo{
		ID:                   j.ID,
		WorkflowID:           j.WorkflowID,
		WorkflowName:         j.WorkflowName,
		RobotID:              j.RobotID,
		Status:               string(j.Status),
		Priority:             int(j.Priority),
		Environment:          j.Environment,
		RequiredCapabilities: caps,
		TriggerKey:           j.TriggerKey,
		RetryCount:           j.RetryCount,
		MaxRetries:           j.MaxRetries,
		Progress:             j.Progress,
		CurrentNode:          j.CurrentNode,
		ErrorMessage:         j.ErrorMessage,
		Result:               j.Result,
		CreatedAt:            j.CreatedAt,
		CreatedBy:            j.CreatedBy,
		ScheduledTime:        j.ScheduledTime,
		QueuedAt:             j.QueuedAt,
		StartedAt:            j.StartedAt,
		CompletedAt:          j.CompletedAt,
	}
}

// NewJobAssign builds the delivery frame for a job
func NewJobAssign(j domain.Job, timeout time.Duration) JobAssignMessage {
	return JobAssignMessage{
		JobID:        j.ID,
		WorkflowID:   j.WorkflowID,
		WorkflowName: j.WorkflowName,
		Payload:      j.Payload,
		Priority:     int(j.Priority),
		Environment:  j.Environment,
		TimeoutSecs:  int(timeout.Seconds()),
	}
}
