package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

func TestRegisterMessage_RoundTripThroughEnvelope(t *testing.T) {
	data, err := MarshalEnvelope(TypeRegister, RegisterMessage{
		RobotID:           "robot-1",
		Capabilities:      []string{"browser"},
		MaxConcurrentJobs: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeRegister {
		t.Errorf("got type %q, want %q", env.Type, TypeRegister)
	}

	msg, err := Decode[RegisterMessage](env)
	if err != nil {
		t.Fatal(err)
	}
	if msg.RobotID != "robot-1" || msg.MaxConcurrentJobs != 2 {
		t.Errorf("got %+v", msg)
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	_, err := Decode[JobAcceptMessage](EnvelopeRaw{Type: TypeJobAccept})
	if err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestDecode_WrongShape(t *testing.T) {
	_, err := Decode[JobProgressMessage](EnvelopeRaw{Type: TypeJobProgress, Payload: json.RawMessage(`{"progress":"half"}`)})
	if err == nil {
		t.Error("expected error for mistyped field")
	}
}

func TestNewJobAssign(t *testing.T) {
	job := domain.Job{
		ID:         "job-1",
		WorkflowID: "wf-1",
		Payload:    json.RawMessage(`{"nodes":[]}`),
		Priority:   domain.PriorityHigh,
	}

	msg := NewJobAssign(job, time.Hour)
	if msg.TimeoutSecs != 3600 {
		t.Errorf("got timeout_secs=%d, want 3600", msg.TimeoutSecs)
	}
	if msg.Priority != 2 {
		t.Errorf("got priority=%d, want 2", msg.Priority)
	}
	if string(msg.Payload) != `{"nodes":[]}` {
		t.Errorf("got payload %s", msg.Payload)
	}
}

func TestNewRobotInfo(t *testing.T) {
	info := NewRobotInfo(domain.Robot{
		ID:           "r1",
		Status:       domain.RobotBusy,
		Capabilities: []domain.Capability{domain.CapabilityDesktop},
	})
	if info.Status != "busy" {
		t.Errorf("got status %q, want busy", info.Status)
	}
	if len(info.Capabilities) != 1 || info.Capabilities[0] != "desktop" {
		t.Errorf("got capabilities %v", info.Capabilities)
	}
}
