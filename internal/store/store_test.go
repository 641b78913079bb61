package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	job := domain.Job{
		ID:                   "job-1",
		WorkflowID:           "wf-invoice",
		WorkflowName:         "Invoice import",
		RobotID:              "robot-1",
		Status:               domain.JobQueued,
		Priority:             domain.PriorityHigh,
		Payload:              json.RawMessage(`{"nodes":[]}`),
		RequiredCapabilities: []domain.Capability{domain.CapabilityBrowser},
		MaxRetries:           3,
		CreatedAt:            queued,
		QueuedAt:             &queued,
		Version:              2,
	}

	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobQueued {
		t.Errorf("Status = %q, want %q", got.Status, domain.JobQueued)
	}
	if got.Priority != domain.PriorityHigh {
		t.Errorf("Priority = %v, want %v", got.Priority, domain.PriorityHigh)
	}
	if string(got.Payload) != `{"nodes":[]}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if len(got.RequiredCapabilities) != 1 || got.RequiredCapabilities[0] != domain.CapabilityBrowser {
		t.Errorf("RequiredCapabilities = %v", got.RequiredCapabilities)
	}
	if got.QueuedAt == nil || !got.QueuedAt.Equal(queued) {
		t.Errorf("QueuedAt = %v, want %v", got.QueuedAt, queued)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("GetJob(missing) err = %v, want ErrJobNotFound", err)
	}
}

func TestStore_SaveJobIgnoresStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", WorkflowID: "wf", Status: domain.JobRunning, CreatedAt: time.Now(), Version: 5}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stale := job
	stale.Status = domain.JobQueued
	stale.Version = 4
	if err := s.SaveJob(ctx, stale); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, "job-1")
	if got.Status != domain.JobRunning || got.Version != 5 {
		t.Errorf("got status=%s version=%d, want running/5", got.Status, got.Version)
	}

	newer := job
	newer.Status = domain.JobCompleted
	newer.Version = 6
	_ = s.SaveJob(ctx, newer)
	got, _ = s.GetJob(ctx, "job-1")
	if got.Status != domain.JobCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestStore_LoadActiveJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	jobs := []domain.Job{
		{ID: "pending", Status: domain.JobPending},
		{ID: "running", Status: domain.JobRunning},
		{ID: "done", Status: domain.JobCompleted},
		{ID: "failed-retry", Status: domain.JobFailed, RetryCount: 1, MaxRetries: 3},
		{ID: "failed-final", Status: domain.JobFailed, RetryCount: 3, MaxRetries: 3, DeadLetteredAt: &now},
		{ID: "cancelled", Status: domain.JobCancelled},
	}
	for i, j := range jobs {
		j.WorkflowID = "wf"
		j.CreatedAt = now.Add(time.Duration(i) * time.Second)
		j.Version = 1
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.LoadActiveJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, j := range active {
		ids = append(ids, j.ID)
	}
	want := []string{"pending", "running", "failed-retry"}
	if len(ids) != len(want) {
		t.Fatalf("active = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("active[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestStore_LoadActiveJobsReturnsLostDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// exhausted jobs: one never reached the dead letter queue, one did
	for i, id := range []string{"job-lost", "job-e1"} {
		j := domain.Job{ID: id, WorkflowID: "wf", Status: domain.JobFailed, RetryCount: 2, MaxRetries: 2,
			CreatedAt: now.Add(time.Duration(i) * time.Second), CompletedAt: &now, Version: 3}
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertDLQEntry(ctx, newEntry("e1", "wf", now)); err != nil {
		t.Fatal(err)
	}

	active, err := s.LoadActiveJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "job-lost" {
		t.Fatalf("active = %v, want only job-lost", active)
	}

	// once marked it is no longer loaded, with or without an entry
	marked := active[0]
	marked.DeadLetteredAt = &now
	marked.Version++
	if err := s.SaveJob(ctx, marked); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, "job-lost")
	if got.DeadLetteredAt == nil {
		t.Errorf("DeadLetteredAt = nil after save")
	}
	if active, _ = s.LoadActiveJobs(ctx); len(active) != 0 {
		t.Errorf("active = %v, want none once dead-lettered", active)
	}
}

func TestStore_ListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, wf := range []string{"wf-a", "wf-b", "wf-a"} {
		_ = s.SaveJob(ctx, domain.Job{
			ID: "job-" + string(rune('1'+i)), WorkflowID: wf, Status: domain.JobPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second), Version: 1,
		})
	}

	got, err := s.ListJobs(ctx, JobQuery{WorkflowID: "wf-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "job-3" {
		t.Errorf("ListJobs(wf-a) = %v, want job-3 first of 2", got)
	}

	got, _ = s.ListJobs(ctx, JobQuery{Limit: 1})
	if len(got) != 1 {
		t.Errorf("ListJobs(limit 1) count = %d, want 1", len(got))
	}
}

func newEntry(id, workflowID string, created time.Time) domain.DLQEntry {
	return domain.DLQEntry{
		ID:            id,
		OriginalJobID: "job-" + id,
		WorkflowID:    workflowID,
		ErrorMessage:  "element not found",
		RetryCount:    3,
		Payload:       json.RawMessage(`{"x":1}`),
		Priority:      domain.PriorityNormal,
		FirstFailedAt: created.Add(-time.Minute),
		LastFailedAt:  created,
		CreatedAt:     created,
	}
}

func TestStore_DLQLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.InsertDLQEntry(ctx, newEntry("e1", "wf-a", now.Add(-2*time.Hour)))
	_ = s.InsertDLQEntry(ctx, newEntry("e2", "wf-a", now.Add(-time.Hour)))
	_ = s.InsertDLQEntry(ctx, newEntry("e3", "wf-b", now))

	stats, err := s.DLQStats(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Errorf("stats = %+v, want 3/3", stats)
	}

	claimed, err := s.ClaimDLQEntry(ctx, "e1", "alice", now)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.ReprocessedAt == nil || claimed.ReprocessedBy != "alice" {
		t.Errorf("claimed = %+v", claimed)
	}
	if _, err := s.ClaimDLQEntry(ctx, "e1", "bob", now); !errors.Is(err, domain.ErrDLQEntryNotFound) {
		t.Errorf("second claim err = %v, want ErrDLQEntryNotFound", err)
	}
	if err := s.SetDLQNewJobID(ctx, "e1", "job-new"); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.ListDLQEntries(ctx, domain.DLQFilter{WorkflowID: "wf-a", PendingOnly: true})
	if len(pending) != 1 || pending[0].ID != "e2" {
		t.Errorf("pending wf-a = %v, want [e2]", pending)
	}
	stats, _ = s.DLQStats(ctx, "wf-a")
	if stats.Total != 2 || stats.Pending != 1 {
		t.Errorf("wf-a stats = %+v, want 2/1", stats)
	}

	page, _ := s.ListDLQEntries(ctx, domain.DLQFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "e2" {
		t.Errorf("page = %v, want e2,e1", page)
	}

	if err := s.UnclaimDLQEntry(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	e1, _ := s.GetDLQEntry(ctx, "e1")
	if e1.ReprocessedAt != nil || e1.NewJobID != "" {
		t.Errorf("unclaimed entry still marked: %+v", e1)
	}

	ok, err := s.DeleteDLQEntry(ctx, "e3")
	if err != nil || !ok {
		t.Errorf("DeleteDLQEntry(e3) = %v, %v", ok, err)
	}
	if ok, _ := s.DeleteDLQEntry(ctx, "e3"); ok {
		t.Error("deleting twice reported success")
	}
}

func TestStore_PurgeDLQ(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.InsertDLQEntry(ctx, newEntry("old-done", "wf", now.Add(-60*24*time.Hour)))
	_ = s.InsertDLQEntry(ctx, newEntry("old-pending", "wf", now.Add(-60*24*time.Hour)))
	_ = s.InsertDLQEntry(ctx, newEntry("recent-done", "wf", now.Add(-60*24*time.Hour)))

	_, _ = s.ClaimDLQEntry(ctx, "old-done", "ops", now.Add(-40*24*time.Hour))
	_, _ = s.ClaimDLQEntry(ctx, "recent-done", "ops", now.Add(-time.Hour))

	n, err := s.PurgeDLQ(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := s.GetDLQEntry(ctx, "old-done"); !errors.Is(err, domain.ErrDLQEntryNotFound) {
		t.Errorf("old-done still present, err = %v", err)
	}
	if _, err := s.GetDLQEntry(ctx, "old-pending"); err != nil {
		t.Errorf("pending entries must never be purged: %v", err)
	}
}

func TestStore_Assignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []domain.RobotAssignment{
		{WorkflowID: "wf", RobotID: "r1", IsDefault: true},
		{WorkflowID: "wf", RobotID: "r2", IsDefault: true},
	}
	if err := s.ReplaceAssignments(ctx, bad); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("two defaults err = %v, want ErrValidation", err)
	}

	good := []domain.RobotAssignment{
		{WorkflowID: "wf-b", RobotID: "r1"},
		{WorkflowID: "wf-a", RobotID: "r2", IsDefault: true},
		{WorkflowID: "wf-a", RobotID: "r1"},
	}
	if err := s.ReplaceAssignments(ctx, good); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListAssignments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("count = %d, want 3", len(got))
	}
	if got[0].WorkflowID != "wf-a" || got[0].RobotID != "r1" || got[0].IsDefault {
		t.Errorf("got[0] = %+v", got[0])
	}
	if !got[1].IsDefault {
		t.Errorf("got[1] = %+v, want default", got[1])
	}

	if err := s.ReplaceAssignments(ctx, good[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ListAssignments(ctx)
	if len(got) != 1 {
		t.Errorf("count after replace = %d, want 1", len(got))
	}
}

func TestStore_Rebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind = %q", got)
	}
}

func TestOpen(t *testing.T) {
	if _, err := Open("mysql", "x"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unsupported driver err = %v, want ErrValidation", err)
	}

	path := filepath.Join(t.TempDir(), "nested", "orchestrator.db")
	s, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
