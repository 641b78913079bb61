// Package protocol defines the JSON frames exchanged over robot, admin and
// log-stream WebSocket sessions.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Decode unmarshals the payload of env into a T
func Decode[T any](env EnvelopeRaw) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: %s: empty payload", domain.ErrValidation, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", domain.ErrValidation, env.Type, err)
	}
	return v, nil
}

// Robot -> Coordinator messages

// RegisterMessage must be the first frame of a robot session
type RegisterMessage struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	TenantID          string   `json:"tenant_id,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	Capabilities      []string `json:"capabilities"`
	Tags              []string `json:"tags,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

// HeartbeatMessage carries liveness and telemetry. Status is optional and
// only honoured for "error" and "maintenance".
type HeartbeatMessage struct {
	Status        string   `json:"status,omitempty"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	CurrentJobIDs []string `json:"current_job_ids,omitempty"`
}

// JobAcceptMessage confirms the robot started an assigned job
type JobAcceptMessage struct {
	JobID string `json:"job_id"`
}

// JobRejectMessage hands an assigned job back for requeue
type JobRejectMessage struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// JobProgressMessage reports execution progress (0-100)
type JobProgressMessage struct {
	JobID       string `json:"job_id"`
	Progress    int    `json:"progress"`
	CurrentNode string `json:"current_node,omitempty"`
}

// JobCompleteMessage reports success
type JobCompleteMessage struct {
	JobID      string          `json:"job_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// JobFailedMessage reports a failed execution
type JobFailedMessage struct {
	JobID   string `json:"job_id"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// LogLine is one entry of a log batch
type LogLine struct {
	JobID     string    `json:"job_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogBatchMessage streams robot log lines
type LogBatchMessage struct {
	Entries []LogLine `json:"entries"`
}

// Coordinator -> Robot messages

// RegisteredMessage acknowledges a register frame
type RegisteredMessage struct {
	RobotID               string `json:"robot_id"`
	HeartbeatIntervalSecs int    `json:"heartbeat_interval_secs"`
}

// JobAssignMessage delivers a job to its robot
type JobAssignMessage struct {
	JobID        string          `json:"job_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Environment  string          `json:"environment,omitempty"`
	TimeoutSecs  int             `json:"timeout_secs,omitempty"`
}

// JobCancelMessage tells a robot to stop a job
type JobCancelMessage struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// ErrorMessage reports a rejected frame without closing the session
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Admin channel messages

// CancelJobRequest asks the coordinator to cancel a job
type CancelJobRequest struct {
	JobID string `json:"job_id"`
}

// SetRobotStatusRequest puts a robot into maintenance or back online
type SetRobotStatusRequest struct {
	RobotID string `json:"robot_id"`
	Status  string `json:"status"`
}

// AckMessage answers an admin request
type AckMessage struct {
	Request string `json:"request"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// EventMessage relays a state change to admin sessions
type EventMessage struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SnapshotMessage is the full fleet view sent on admin connect
type SnapshotMessage struct {
	Robots []RobotInfo `json:"robots"`
	Jobs   []JobInfo   `json:"jobs"`
	Stats  JobStats    `json:"stats"`
}

// JobStats counts jobs by status
type JobStats map[string]int

// Message type constants
const (
	TypeRegister    = "register"
	TypeHeartbeat   = "heartbeat"
	TypeJobAccept   = "job_accept"
	TypeJobReject   = "job_reject"
	TypeJobProgress = "job_progress"
	TypeJobComplete = "job_complete"
	TypeJobFailed   = "job_failed"
	TypeLogBatch    = "log_batch"

	TypeRegistered = "registered"
	TypeJobAssign  = "job_assign"
	TypeJobCancel  = "job_cancel"
	TypeError      = "error"

	TypeSnapshot       = "snapshot"
	TypeEvent          = "event"
	TypeAck            = "ack"
	TypeGetSnapshot    = "get_snapshot"
	TypeCancelJob      = "cancel_job"
	TypeSetRobotStatus = "set_robot_status"

	TypeLogEntry = "log_entry"
)

// WebSocket close codes for rejected sessions
const (
	CloseUnauthorized       = 4001
	CloseIdentityMismatch   = 4003
	CloseServiceUnavailable = 4503
)
