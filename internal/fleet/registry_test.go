package fleet

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
)

type fakeSession struct {
	mu      sync.Mutex
	sent    []string
	closed  string
	onClose func()
}

func (s *fakeSession) Send(msgType string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed != "" {
		return errors.New("session closed")
	}
	s.sent = append(s.sent, msgType)
	return nil
}

func (s *fakeSession) Close(reason string) error {
	s.mu.Lock()
	s.closed = reason
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(Options{HeartbeatTimeout: 90 * time.Second, OfflineRemoval: 10 * time.Minute})
	reg.now = c.now
	return reg, c
}

func register(t *testing.T, reg *Registry, id string, max int, caps ...domain.Capability) *fakeSession {
	t.Helper()
	s := &fakeSession{}
	if _, err := reg.Register(RegisterRequest{RobotID: id, MaxConcurrentJobs: max, Capabilities: caps}, s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	reg, _ := newTestRegistry()

	var unregistered []string
	reg.SetUnregisterHook(func(id string) { unregistered = append(unregistered, id) })

	register(t, reg, "robot-1", 4)
	if got := reg.Count(); got != 1 {
		t.Errorf("got count=%d, want 1", got)
	}

	rb, err := reg.Get("robot-1")
	if err != nil {
		t.Fatal(err)
	}
	if rb.MaxConcurrentJobs != 4 {
		t.Errorf("got maxJobs=%d, want 4", rb.MaxConcurrentJobs)
	}
	if rb.Status != domain.RobotOnline {
		t.Errorf("got status=%s, want online", rb.Status)
	}

	reg.Unregister("robot-1")
	if got := reg.Count(); got != 0 {
		t.Errorf("got count=%d, want 0", got)
	}
	if len(unregistered) != 1 || unregistered[0] != "robot-1" {
		t.Errorf("got hook calls %v, want [robot-1]", unregistered)
	}

	// unknown id is a no-op
	reg.Unregister("robot-1")
	if len(unregistered) != 1 {
		t.Errorf("hook called for unknown robot")
	}
}

func TestRegistry_RegisterRequiresID(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.Register(RegisterRequest{}, &fakeSession{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("got err=%v, want ErrValidation", err)
	}
}

func TestRegistry_ReRegisterKeepsJobs(t *testing.T) {
	reg, _ := newTestRegistry()
	old := register(t, reg, "robot-1", 2, domain.CapabilityBrowser)

	if err := reg.Reserve("robot-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	fresh := &fakeSession{}
	rb, err := reg.Register(RegisterRequest{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 3,
		Capabilities:      []domain.Capability{domain.CapabilityDesktop},
	}, fresh)
	if err != nil {
		t.Fatal(err)
	}

	if rb.CurrentJobs != 1 {
		t.Errorf("got current_jobs=%d, want 1", rb.CurrentJobs)
	}
	if len(rb.CurrentJobIDs) != 1 || rb.CurrentJobIDs[0] != "job-1" {
		t.Errorf("got current_job_ids=%v, want [job-1]", rb.CurrentJobIDs)
	}
	if !rb.HasCapabilities([]domain.Capability{domain.CapabilityDesktop}) || rb.HasCapabilities([]domain.Capability{domain.CapabilityBrowser}) {
		t.Errorf("capabilities not overwritten: %v", rb.Capabilities)
	}
	if old.closed == "" {
		t.Error("superseded session should be closed")
	}

	s, _ := reg.Session("robot-1")
	if s != fresh {
		t.Error("registry should hold the new session")
	}
}

func TestRegistry_ReRegisterNeverDropsBelowCurrent(t *testing.T) {
	reg, _ := newTestRegistry()
	register(t, reg, "robot-1", 2)
	_ = reg.Reserve("robot-1", "a")
	_ = reg.Reserve("robot-1", "b")

	rb, _ := reg.Register(RegisterRequest{RobotID: "robot-1", MaxConcurrentJobs: 1}, &fakeSession{})
	if rb.CurrentJobs > rb.MaxConcurrentJobs {
		t.Errorf("current_jobs=%d exceeds max=%d", rb.CurrentJobs, rb.MaxConcurrentJobs)
	}
}

func TestRegistry_DisconnectStaleSession(t *testing.T) {
	reg, _ := newTestRegistry()
	old := register(t, reg, "robot-1", 1)
	register(t, reg, "robot-1", 1)

	if reg.Disconnect("robot-1", old) {
		t.Error("stale session must not unregister the reconnected robot")
	}
	if reg.Count() != 1 {
		t.Errorf("got count=%d, want 1", reg.Count())
	}
}

func TestRegistry_ReserveRelease(t *testing.T) {
	reg, _ := newTestRegistry()
	register(t, reg, "robot-1", 1)

	if err := reg.Reserve("robot-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reserve("robot-1", "job-1"); err != nil {
		t.Errorf("re-reserving the same job should be a no-op, got %v", err)
	}

	rb, _ := reg.Get("robot-1")
	if rb.Status != domain.RobotBusy {
		t.Errorf("got status=%s, want busy", rb.Status)
	}

	err := reg.Reserve("robot-1", "job-2")
	if !errors.Is(err, domain.ErrNoAvailableRobot) {
		t.Errorf("got err=%v, want ErrNoAvailableRobot", err)
	}

	err = reg.Reserve("ghost", "job-3")
	if !errors.Is(err, domain.ErrRobotNotFound) {
		t.Errorf("got err=%v, want ErrRobotNotFound", err)
	}

	reg.Release("robot-1", "job-1")
	reg.Release("robot-1", "job-1")
	rb, _ = reg.Get("robot-1")
	if rb.CurrentJobs != 0 {
		t.Errorf("got current_jobs=%d, want 0", rb.CurrentJobs)
	}
	if rb.Status != domain.RobotOnline {
		t.Errorf("got status=%s, want online", rb.Status)
	}
}

func TestRegistry_ConcurrentReserveNeverExceedsCapacity(t *testing.T) {
	reg, _ := newTestRegistry()
	register(t, reg, "robot-1", 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Reserve("robot-1", fmt.Sprintf("job-%d", i)) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 3 {
		t.Errorf("got %d successful reservations, want 3", ok)
	}
	rb, _ := reg.Get("robot-1")
	if rb.CurrentJobs != 3 {
		t.Errorf("got current_jobs=%d, want 3", rb.CurrentJobs)
	}
}

func TestRegistry_List(t *testing.T) {
	reg, _ := newTestRegistry()
	register(t, reg, "b", 2, domain.CapabilityBrowser, domain.CapabilityDesktop)
	register(t, reg, "a", 2, domain.CapabilityBrowser)
	register(t, reg, "c", 1, domain.CapabilityBrowser)
	_ = reg.Reserve("c", "job-1")

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all sorted", Filter{}, []string{"a", "b", "c"}},
		{"capability superset", Filter{Capabilities: []domain.Capability{domain.CapabilityBrowser, domain.CapabilityDesktop}}, []string{"b"}},
		{"capacity", Filter{MinCapacity: 2}, []string{"a", "b"}},
		{"status busy", Filter{Status: domain.RobotBusy}, []string{"c"}},
		{"status online", Filter{Status: domain.RobotOnline}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.List(tt.filter)
			var ids []string
			for _, rb := range got {
				ids = append(ids, rb.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestRegistry_HeartbeatTimeout(t *testing.T) {
	reg, clk := newTestRegistry()
	register(t, reg, "robot-1", 1)

	clk.add(91 * time.Second)

	if got := reg.List(Filter{Status: domain.RobotOnline}); len(got) != 0 {
		t.Errorf("stale robot listed as online: %v", got)
	}
	if err := reg.Reserve("robot-1", "job-1"); !errors.Is(err, domain.ErrNoAvailableRobot) {
		t.Errorf("stale robot accepted a reservation, err=%v", err)
	}

	offline, removed := reg.Sweep()
	if offline != 1 || removed != 0 {
		t.Errorf("got offline=%d removed=%d, want 1, 0", offline, removed)
	}

	reg.Heartbeat("robot-1", Telemetry{CPUPercent: 12})
	rb, _ := reg.Get("robot-1")
	if rb.Status != domain.RobotOnline {
		t.Errorf("got status=%s after heartbeat, want online", rb.Status)
	}
	if rb.CPUPercent != 12 {
		t.Errorf("got cpu=%v, want 12", rb.CPUPercent)
	}
}

func TestRegistry_SweepRemovesSilentRobots(t *testing.T) {
	reg, clk := newTestRegistry()
	sess := register(t, reg, "robot-1", 1)
	register(t, reg, "robot-2", 1)

	var hooked []string
	reg.SetUnregisterHook(func(id string) { hooked = append(hooked, id) })

	clk.add(5 * time.Minute)
	reg.Heartbeat("robot-2", Telemetry{})
	clk.add(6 * time.Minute)

	_, removed := reg.Sweep()
	if removed != 1 {
		t.Errorf("got removed=%d, want 1", removed)
	}
	if reg.Has("robot-1") {
		t.Error("robot-1 should have been removed")
	}
	if sess.closed == "" {
		t.Error("removed robot's session should be closed")
	}
	if len(hooked) != 1 || hooked[0] != "robot-1" {
		t.Errorf("got hook calls %v, want [robot-1]", hooked)
	}
}

func TestRegistry_SweepKeepsRobotReRegisteredDuringRemoval(t *testing.T) {
	reg, clk := newTestRegistry()
	first := register(t, reg, "robot-a", 1)
	register(t, reg, "robot-b", 1)
	clk.add(11 * time.Minute)

	// robot-b reconnects while robot-a is being torn down
	var fresh *fakeSession
	first.onClose = func() { fresh = register(t, reg, "robot-b", 2) }

	_, removed := reg.Sweep()
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if reg.Has("robot-a") {
		t.Error("robot-a should have been removed")
	}
	rb, err := reg.Get("robot-b")
	if err != nil {
		t.Fatalf("re-registered robot-b was removed: %v", err)
	}
	if rb.MaxConcurrentJobs != 2 || rb.Status != domain.RobotOnline {
		t.Errorf("robot-b = %+v, want the fresh registration", rb)
	}
	if fresh.closed != "" {
		t.Errorf("fresh session closed with %q", fresh.closed)
	}
}

func TestRegistry_StaleHeartbeatOverridesExplicitStatus(t *testing.T) {
	reg, clk := newTestRegistry()
	register(t, reg, "robot-1", 1)
	register(t, reg, "robot-2", 1)

	reg.Heartbeat("robot-1", Telemetry{Status: domain.RobotError})
	if _, err := reg.SetStatus("robot-2", domain.RobotMaintenance); err != nil {
		t.Fatal(err)
	}

	clk.add(91 * time.Second)
	for _, id := range []string{"robot-1", "robot-2"} {
		rb, _ := reg.Get(id)
		if rb.Status != domain.RobotOffline {
			t.Errorf("%s status = %s, want offline", id, rb.Status)
		}
	}
	if offline, _ := reg.Sweep(); offline != 2 {
		t.Errorf("offline = %d, want 2", offline)
	}

	// the explicit status returns with the robot
	reg.Heartbeat("robot-2", Telemetry{})
	rb, _ := reg.Get("robot-2")
	if rb.Status != domain.RobotMaintenance {
		t.Errorf("robot-2 status = %s, want maintenance", rb.Status)
	}
}

func TestRegistry_HeartbeatUnknownRobot(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Heartbeat("ghost", Telemetry{})
	if reg.Count() != 0 {
		t.Error("heartbeat must not create robots")
	}
}

func TestRegistry_ExplicitStatus(t *testing.T) {
	reg, _ := newTestRegistry()
	register(t, reg, "robot-1", 2)

	reg.Heartbeat("robot-1", Telemetry{Status: domain.RobotError})
	rb, _ := reg.Get("robot-1")
	if rb.Status != domain.RobotError {
		t.Errorf("got status=%s, want error", rb.Status)
	}
	if rb.CanAcceptJob() {
		t.Error("robot in error should not accept jobs")
	}

	if _, err := reg.SetStatus("robot-1", domain.RobotMaintenance); err != nil {
		t.Fatal(err)
	}
	// a plain heartbeat does not clear maintenance
	reg.Heartbeat("robot-1", Telemetry{})
	rb, _ = reg.Get("robot-1")
	if rb.Status != domain.RobotMaintenance {
		t.Errorf("got status=%s, want maintenance", rb.Status)
	}

	if _, err := reg.SetStatus("robot-1", domain.RobotOnline); err != nil {
		t.Fatal(err)
	}
	rb, _ = reg.Get("robot-1")
	if rb.Status != domain.RobotOnline {
		t.Errorf("got status=%s, want online", rb.Status)
	}

	if _, err := reg.SetStatus("robot-1", domain.RobotBusy); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("got err=%v, want ErrValidation", err)
	}
	if _, err := reg.SetStatus("ghost", domain.RobotOnline); !errors.Is(err, domain.ErrRobotNotFound) {
		t.Errorf("got err=%v, want ErrRobotNotFound", err)
	}
}

func TestRegistry_PublishesEvents(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	reg := NewRegistry(Options{Events: bus})
	register(t, reg, "robot-1", 1)
	reg.Unregister("robot-1")

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	if len(kinds) != 2 || kinds[0] != events.RobotRegistered || kinds[1] != events.RobotUnregistered {
		t.Errorf("got events %v", kinds)
	}
}

func TestRegistry_Send(t *testing.T) {
	reg, _ := newTestRegistry()
	s := register(t, reg, "robot-1", 1)

	if err := reg.Send("robot-1", "job_assign", nil); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 || s.sent[0] != "job_assign" {
		t.Errorf("got sent=%v", s.sent)
	}
	if err := reg.Send("ghost", "job_assign", nil); !errors.Is(err, domain.ErrRobotNotFound) {
		t.Errorf("got err=%v, want ErrRobotNotFound", err)
	}
}
