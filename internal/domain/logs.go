package domain

import (
	"strings"
	"time"
)

// LogLevel is the severity of a robot log line. Levels are ordered.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
	LogCritical
)

var logLevelNames = []string{"debug", "info", "warning", "error", "critical"}

func (l LogLevel) String() string {
	if l < LogDebug || l > LogCritical {
		return "info"
	}
	return logLevelNames[l]
}

// ParseLogLevel maps a name to a level; unknown names fall back to info
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogDebug
	case "warn", "warning":
		return LogWarning
	case "error":
		return LogError
	case "critical", "fatal":
		return LogCritical
	default:
		return LogInfo
	}
}

// LogEntry is one line streamed by a robot
type LogEntry struct {
	RobotID   string    `json:"robot_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
