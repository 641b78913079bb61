package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// ResourcePool hands out permits of limited resource types. Each held permit
// is recorded as a ResourceAllocation.
type ResourcePool struct {
	mu     sync.Mutex
	sems   map[string]*semaphore.Weighted
	limits map[string]int64
	held   map[string]int64
	allocs map[string]domain.ResourceAllocation
	now    func() time.Time
}

// NewResourcePool creates a pool with the given permits per resource type
func NewResourcePool(limits map[string]int64) *ResourcePool {
	p := &ResourcePool{
		sems:   make(map[string]*semaphore.Weighted),
		limits: make(map[string]int64),
		held:   make(map[string]int64),
		allocs: make(map[string]domain.ResourceAllocation),
		now:    time.Now,
	}
	for rt, n := range limits {
		if n > 0 {
			p.sems[rt] = semaphore.NewWeighted(n)
			p.limits[rt] = n
		}
	}
	return p
}

// Limited reports whether resourceType has a permit limit
func (p *ResourcePool) Limited(resourceType string) bool {
	_, ok := p.sems[resourceType]
	return ok
}

// TryAcquire takes a permit without blocking. It fails with
// ErrCapacityExceeded when none is free.
func (p *ResourcePool) TryAcquire(agentID, resourceType, partitionID string) (domain.ResourceAllocation, error) {
	sem, err := p.semaphore(resourceType)
	if err != nil {
		return domain.ResourceAllocation{}, err
	}
	if !sem.TryAcquire(1) {
		return domain.ResourceAllocation{}, fmt.Errorf("%w: no %s permit free", domain.ErrCapacityExceeded, resourceType)
	}
	return p.record(agentID, resourceType, partitionID), nil
}

// Acquire blocks until a permit is free or ctx is done
func (p *ResourcePool) Acquire(ctx context.Context, agentID, resourceType, partitionID string) (domain.ResourceAllocation, error) {
	sem, err := p.semaphore(resourceType)
	if err != nil {
		return domain.ResourceAllocation{}, err
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return domain.ResourceAllocation{}, fmt.Errorf("acquire %s permit: %w", resourceType, err)
	}
	return p.record(agentID, resourceType, partitionID), nil
}

// Release returns the permit of allocationID. Unknown ids return false.
func (p *ResourcePool) Release(allocationID string) bool {
	p.mu.Lock()
	a, ok := p.allocs[allocationID]
	if ok {
		delete(p.allocs, allocationID)
		p.held[a.ResourceType]--
	}
	p.mu.Unlock()
	if ok {
		p.sems[a.ResourceType].Release(1)
	}
	return ok
}

// Allocations returns held allocations, all of them if agentID is empty
func (p *ResourcePool) Allocations(agentID string) []domain.ResourceAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ResourceAllocation
	for _, a := range p.allocs {
		if agentID == "" || a.AgentID == agentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

// Available returns the number of free permits of resourceType
func (p *ResourcePool) Available(resourceType string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits[resourceType] - p.held[resourceType]
}

func (p *ResourcePool) semaphore(resourceType string) (*semaphore.Weighted, error) {
	sem, ok := p.sems[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a limited resource", domain.ErrValidation, resourceType)
	}
	return sem, nil
}

func (p *ResourcePool) record(agentID, resourceType, partitionID string) domain.ResourceAllocation {
	a := domain.ResourceAllocation{
		AllocationID: uuid.NewString(),
		AgentID:      agentID,
		ResourceType: resourceType,
		PartitionID:  partitionID,
		AcquiredAt:   p.now(),
	}
	p.mu.Lock()
	p.allocs[a.AllocationID] = a
	p.held[resourceType]++
	p.mu.Unlock()
	return a
}
