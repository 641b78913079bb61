package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// ExecutionOptimizer suppresses near-simultaneous duplicate triggers and
// caps the number of concurrently active executions.
type ExecutionOptimizer struct {
	mu             sync.Mutex
	coalesceWindow time.Duration
	maxConcurrent  int
	pending        map[string]time.Time
	active         map[string]time.Time
	now            func() time.Time
}

// NewExecutionOptimizer creates an optimizer
func NewExecutionOptimizer(coalesceWindow time.Duration, maxConcurrent int) *ExecutionOptimizer {
	return &ExecutionOptimizer{
		coalesceWindow: coalesceWindow,
		maxConcurrent:  maxConcurrent,
		pending:        make(map[string]time.Time),
		active:         make(map[string]time.Time),
		now:            time.Now,
	}
}

// ShouldCoalesce returns true if key was marked pending within the coalesce
// window. Otherwise it marks key pending and returns false.
func (o *ExecutionOptimizer) ShouldCoalesce(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	for k, at := range o.pending {
		if now.Sub(at) >= o.coalesceWindow {
			delete(o.pending, k)
		}
	}
	if _, ok := o.pending[key]; ok {
		return true
	}
	o.pending[key] = now
	return false
}

// ClearPending drops the pending mark of key
func (o *ExecutionOptimizer) ClearPending(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, key)
}

// MarkStarted registers an active execution. It fails with
// ErrCapacityExceeded once the cap is reached. Marking an already active id
// is a no-op.
func (o *ExecutionOptimizer) MarkStarted(executionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[executionID]; ok {
		return nil
	}
	if len(o.active) >= o.maxConcurrent {
		return fmt.Errorf("%w: %d executions active", domain.ErrCapacityExceeded, len(o.active))
	}
	o.active[executionID] = o.now()
	return nil
}

// MarkCompleted releases an active execution
func (o *ExecutionOptimizer) MarkCompleted(executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, executionID)
}

// Active returns the number of active executions
func (o *ExecutionOptimizer) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
