// Package assignments maps workflows to the robots allowed or preferred to
// run them.
package assignments

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// Table is the in-memory assignment set
type Table struct {
	mu       sync.RWMutex
	list     []domain.RobotAssignment
	defaults map[string]string
}

// NewTable returns an empty table
func NewTable() *Table {
	return &Table{defaults: make(map[string]string)}
}

// DefaultRobot returns the default robot of workflowID
func (t *Table) DefaultRobot(workflowID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.defaults[workflowID]
	return id, ok
}

// Replace swaps the whole table. The old table stays in place if list is
// invalid.
func (t *Table) Replace(list []domain.RobotAssignment) error {
	if err := domain.ValidateAssignments(list); err != nil {
		return err
	}
	defaults := make(map[string]string)
	for _, a := range list {
		if a.IsDefault {
			defaults[a.WorkflowID] = a.RobotID
		}
	}
	sorted := append([]domain.RobotAssignment(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].WorkflowID != sorted[j].WorkflowID {
			return sorted[i].WorkflowID < sorted[j].WorkflowID
		}
		return sorted[i].RobotID < sorted[j].RobotID
	})

	t.mu.Lock()
	t.list = sorted
	t.defaults = defaults
	t.mu.Unlock()
	return nil
}

// List returns all assignments ordered by workflow and robot
func (t *Table) List() []domain.RobotAssignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.RobotAssignment(nil), t.list...)
}

// ForWorkflow returns the robots assigned to workflowID
func (t *Table) ForWorkflow(workflowID string) []domain.RobotAssignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []domain.RobotAssignment
	for _, a := range t.list {
		if a.WorkflowID == workflowID {
			out = append(out, a)
		}
	}
	return out
}

type file struct {
	Assignment []domain.RobotAssignment `toml:"assignment"`
}

// LoadFile reads assignments from a TOML file of [[assignment]] tables
func LoadFile(path string) ([]domain.RobotAssignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assignments: %w", err)
	}
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse assignments %s: %w", path, err)
	}
	if err := domain.ValidateAssignments(f.Assignment); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Assignment, nil
}
