package assignments

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

const sample = `
[[assignment]]
workflow_id = "wf-invoice"
robot_id = "robot-2"
is_default = true

[[assignment]]
workflow_id = "wf-invoice"
robot_id = "robot-1"

[[assignment]]
workflow_id = "wf-payroll"
robot_id = "robot-1"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.toml")
	writeFile(t, path, sample)

	list, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if !list[0].IsDefault || list[0].RobotID != "robot-2" {
		t.Errorf("list[0] = %+v", list[0])
	}

	writeFile(t, path, sample+`
[[assignment]]
workflow_id = "wf-invoice"
robot_id = "robot-3"
is_default = true
`)
	if _, err := LoadFile(path); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("two defaults err = %v, want ErrValidation", err)
	}
}

func TestTable_Replace(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.DefaultRobot("wf-invoice"); ok {
		t.Error("empty table has a default")
	}

	list := []domain.RobotAssignment{
		{WorkflowID: "wf-invoice", RobotID: "robot-2", IsDefault: true},
		{WorkflowID: "wf-invoice", RobotID: "robot-1"},
	}
	if err := tbl.Replace(list); err != nil {
		t.Fatal(err)
	}
	if id, ok := tbl.DefaultRobot("wf-invoice"); !ok || id != "robot-2" {
		t.Errorf("DefaultRobot = %q, %v; want robot-2", id, ok)
	}
	if got := tbl.ForWorkflow("wf-invoice"); len(got) != 2 || got[0].RobotID != "robot-1" {
		t.Errorf("ForWorkflow = %v", got)
	}

	bad := append(list, domain.RobotAssignment{WorkflowID: "wf-invoice", RobotID: "robot-3", IsDefault: true})
	if err := tbl.Replace(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if id, _ := tbl.DefaultRobot("wf-invoice"); id != "robot-2" {
		t.Errorf("invalid replace changed the table, default = %q", id)
	}
}

type recordingPersister struct {
	mu    sync.Mutex
	lists [][]domain.RobotAssignment
}

func (p *recordingPersister) ReplaceAssignments(_ context.Context, list []domain.RobotAssignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists = append(p.lists, list)
	return nil
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lists)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.toml")
	writeFile(t, path, sample)

	tbl := NewTable()
	persist := &recordingPersister{}
	w, err := NewWatcher(path, tbl, persist, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	writeFile(t, path, `
[[assignment]]
workflow_id = "wf-invoice"
robot_id = "robot-9"
is_default = true
`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if id, _ := tbl.DefaultRobot("wf-invoice"); id == "robot-9" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id, _ := tbl.DefaultRobot("wf-invoice"); id != "robot-9" {
		t.Fatalf("default after change = %q, want robot-9", id)
	}
	if persist.count() < 2 {
		t.Errorf("persisted %d times, want at least 2", persist.count())
	}

	// a broken file keeps the previous table
	writeFile(t, path, "[[assignment]\nbroken")
	time.Sleep(200 * time.Millisecond)
	if id, _ := tbl.DefaultRobot("wf-invoice"); id != "robot-9" {
		t.Errorf("broken file replaced table, default = %q", id)
	}
}
