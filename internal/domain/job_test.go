package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobQueued, true},
		{JobPending, JobRunning, false},
		{JobQueued, JobRunning, true},
		{JobQueued, JobPending, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobTimeout, true},
		{JobFailed, JobPending, true},
		{JobCompleted, JobPending, false},
		{JobCancelled, JobQueued, false},
		{JobTimeout, JobRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestJob_IsTerminal(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending", Job{Status: JobPending}, false},
		{"completed", Job{Status: JobCompleted}, true},
		{"failed with retries left", Job{Status: JobFailed, RetryCount: 1, MaxRetries: 3}, false},
		{"failed at max", Job{Status: JobFailed, RetryCount: 3, MaxRetries: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJob_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	j := Job{ID: "j1", Payload: []byte(`{"a":1}`), QueuedAt: &now, RequiredCapabilities: []Capability{CapabilityBrowser}}

	c := j.Clone()
	c.Payload[0] = 'x'
	*c.QueuedAt = now.Add(time.Hour)
	c.RequiredCapabilities[0] = CapabilityDesktop

	if j.Payload[0] != '{' {
		t.Error("payload shared between clone and original")
	}
	if !j.QueuedAt.Equal(now) {
		t.Error("QueuedAt shared between clone and original")
	}
	if j.RequiredCapabilities[0] != CapabilityBrowser {
		t.Error("capabilities shared between clone and original")
	}
}

func TestRobot_Capacity(t *testing.T) {
	r := Robot{Status: RobotOnline, CurrentJobs: 1, MaxConcurrentJobs: 2, Capabilities: []Capability{CapabilityBrowser}}

	if got := r.SpareCapacity(); got != 1 {
		t.Errorf("SpareCapacity() = %d, want 1", got)
	}
	if got := r.LoadRatio(); got != 0.5 {
		t.Errorf("LoadRatio() = %v, want 0.5", got)
	}
	if !r.CanAcceptJob() {
		t.Error("online robot with spare slot should accept jobs")
	}
	if r.HasCapabilities([]Capability{CapabilityBrowser, CapabilityDesktop}) {
		t.Error("robot should not satisfy desktop requirement")
	}

	r.Status = RobotMaintenance
	if r.CanAcceptJob() {
		t.Error("robot in maintenance should not accept jobs")
	}
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]string{"Browser", "desktop", "browser"})
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 2 {
		t.Errorf("got %d capabilities, want 2", len(caps))
	}

	_, err = ParseCapabilities([]string{"teleport"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("got err=%v, want ErrValidation", err)
	}
}

func TestRateLimitError_Is(t *testing.T) {
	var err error = &RateLimitError{Key: "s1", Wait: time.Second}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
}
