package admission

import (
	"sync"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

const tiers = int(domain.PriorityCritical) + 1

type queued[T any] struct {
	key   string
	value T
}

// PriorityQueue orders values in four tiers, highest first and FIFO within
// a tier. Keys are unique across the queue.
type PriorityQueue[T any] struct {
	mu    sync.Mutex
	tiers [tiers][]queued[T]
	index map[string]domain.Priority
}

// NewPriorityQueue creates an empty queue
func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{index: make(map[string]domain.Priority)}
}

// Enqueue adds value under key. It returns false if key is already queued
// at the same tier; a key queued at another tier is moved.
func (q *PriorityQueue[T]) Enqueue(key string, p domain.Priority, value T) bool {
	p = p.Clamp()
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.index[key]; ok {
		if cur == p {
			return false
		}
		q.removeLocked(key, cur)
	}
	q.tiers[p] = append(q.tiers[p], queued[T]{key: key, value: value})
	q.index[key] = p
	return true
}

// Dequeue removes and returns the oldest entry of the highest non-empty tier
func (q *PriorityQueue[T]) Dequeue() (string, T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := tiers - 1; p >= 0; p-- {
		if len(q.tiers[p]) == 0 {
			continue
		}
		head := q.tiers[p][0]
		q.tiers[p][0] = queued[T]{}
		q.tiers[p] = q.tiers[p][1:]
		delete(q.index, head.key)
		return head.key, head.value, true
	}
	var zero T
	return "", zero, false
}

// Remove drops key from the queue
func (q *PriorityQueue[T]) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.index[key]
	if !ok {
		return false
	}
	q.removeLocked(key, p)
	return true
}

// Contains reports whether key is queued
func (q *PriorityQueue[T]) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key]
	return ok
}

// Len returns the number of queued entries
func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Keys returns queued keys in dequeue order without removing them
func (q *PriorityQueue[T]) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.index))
	for p := tiers - 1; p >= 0; p-- {
		for _, e := range q.tiers[p] {
			keys = append(keys, e.key)
		}
	}
	return keys
}

func (q *PriorityQueue[T]) removeLocked(key string, p domain.Priority) {
	tier := q.tiers[p]
	for i, e := range tier {
		if e.key == key {
			q.tiers[p] = append(tier[:i:i], tier[i+1:]...)
			break
		}
	}
	delete(q.index, key)
}
