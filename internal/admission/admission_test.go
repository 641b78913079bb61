package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(3, 60*time.Second)
	l.now = clk.now

	for range 4 {
		l.RecordExecution("s1")
		clk.add(time.Second)
	}

	assert.False(t, l.CanExecute("s1"))
	assert.Greater(t, l.WaitTime("s1"), time.Duration(0))

	// other keys are independent
	assert.True(t, l.CanExecute("s2"))

	// timestamps at +0s..+3s, now +4s. At +60s only the first has left the
	// window, three remain.
	clk.add(56 * time.Second)
	assert.False(t, l.CanExecute("s1"))
	clk.add(time.Second)
	assert.True(t, l.CanExecute("s1"))
	assert.Equal(t, time.Duration(0), l.WaitTime("s1"))
}

func TestRateLimiter_WaitTimeTracksOldest(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(2, 10*time.Second)
	l.now = clk.now

	l.RecordExecution("k")
	clk.add(4 * time.Second)
	l.RecordExecution("k")

	assert.Equal(t, 6*time.Second, l.WaitTime("k"))
}

func TestRateLimiter_WaitTimeOverfullWindow(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(2, 10*time.Second)
	l.now = clk.now

	l.RecordExecution("k")
	clk.add(4 * time.Second)
	l.RecordExecution("k")
	clk.add(4 * time.Second)
	l.RecordExecution("k")

	// +0s, +4s and +8s recorded; the +0s one leaves first
	assert.Equal(t, 2*time.Second, l.WaitTime("k"))

	clk.add(2 * time.Second)
	assert.False(t, l.CanExecute("k"))
	assert.Equal(t, 4*time.Second, l.WaitTime("k"))
}

func TestRateLimiter_TryAcquireAndReset(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(1, time.Minute)
	l.now = clk.now

	_, ok := l.TryAcquire("k")
	require.True(t, ok)

	wait, ok := l.TryAcquire("k")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	l.Reset("k")
	assert.True(t, l.CanExecute("k"))
}

func TestExecutionOptimizer_Coalesce(t *testing.T) {
	clk := newClock()
	o := NewExecutionOptimizer(500*time.Millisecond, 10)
	o.now = clk.now

	assert.False(t, o.ShouldCoalesce("sched-1"), "first trigger marks pending")
	clk.add(100 * time.Millisecond)
	assert.True(t, o.ShouldCoalesce("sched-1"), "duplicate inside window is coalesced")
	assert.False(t, o.ShouldCoalesce("sched-2"))

	clk.add(500 * time.Millisecond)
	assert.False(t, o.ShouldCoalesce("sched-1"), "mark expired")

	o.ClearPending("sched-1")
	assert.False(t, o.ShouldCoalesce("sched-1"))
}

func TestExecutionOptimizer_ConcurrencyCap(t *testing.T) {
	o := NewExecutionOptimizer(time.Second, 2)

	require.NoError(t, o.MarkStarted("a"))
	require.NoError(t, o.MarkStarted("b"))
	require.NoError(t, o.MarkStarted("a"), "re-marking is a no-op")

	err := o.MarkStarted("c")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Equal(t, 2, o.Active())

	o.MarkCompleted("a")
	assert.NoError(t, o.MarkStarted("c"))
}

func TestGate_Admit(t *testing.T) {
	clk := newClock()
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = clk.now
	opt := NewExecutionOptimizer(time.Second, 5)
	opt.now = clk.now
	gate := NewGate(limiter, opt, nil, nil)

	require.NoError(t, gate.Admit("s1", "job-1"))
	assert.ErrorIs(t, gate.Admit("s1", "job-2"), domain.ErrCoalesced)

	clk.add(2 * time.Second)
	require.NoError(t, gate.Admit("s1", "job-3"))

	clk.add(2 * time.Second)
	err := gate.Admit("s1", "job-4")
	var rl *domain.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "s1", rl.Key)
	assert.Greater(t, rl.Wait, time.Duration(0))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// rejected executions do not hold a slot
	assert.Equal(t, 2, gate.Active())
	gate.Done("job-1")
	assert.Equal(t, 1, gate.Active())
}

func TestGate_CapacityExceeded(t *testing.T) {
	gate := NewGate(NewRateLimiter(100, time.Minute), NewExecutionOptimizer(time.Second, 1), nil, nil)

	require.NoError(t, gate.Admit("a", "job-1"))
	assert.ErrorIs(t, gate.Admit("b", "job-2"), domain.ErrCapacityExceeded)

	// the rejected key is not left pending
	gate.Done("job-1")
	assert.NoError(t, gate.Admit("b", "job-3"))
}

func TestPriorityQueue_Order(t *testing.T) {
	q := NewPriorityQueue[string]()
	q.Enqueue("p1", 1, "p1")
	q.Enqueue("p3_first", 3, "p3_first")
	q.Enqueue("p2", 2, "p2")
	q.Enqueue("p3_second", 3, "p3_second")

	assert.Equal(t, []string{"p3_first", "p3_second", "p2", "p1"}, q.Keys())

	var got []string
	for {
		_, v, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"p3_first", "p3_second", "p2", "p1"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestPriorityQueue_IdempotentEnqueue(t *testing.T) {
	q := NewPriorityQueue[int]()
	assert.True(t, q.Enqueue("a", domain.PriorityNormal, 1))
	assert.False(t, q.Enqueue("a", domain.PriorityNormal, 2))
	assert.Equal(t, 1, q.Len())

	// moving to another tier keeps one entry
	assert.True(t, q.Enqueue("a", domain.PriorityCritical, 3))
	assert.Equal(t, 1, q.Len())
	key, v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", key)
	assert.Equal(t, 3, v)
}

func TestPriorityQueue_RemoveAndClamp(t *testing.T) {
	q := NewPriorityQueue[string]()
	q.Enqueue("low", -5, "low")
	q.Enqueue("high", 42, "high")
	q.Enqueue("mid", domain.PriorityNormal, "mid")

	assert.True(t, q.Remove("mid"))
	assert.False(t, q.Remove("mid"))
	assert.False(t, q.Contains("mid"))
	assert.Equal(t, []string{"high", "low"}, q.Keys())
}

func TestResourcePool(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"gpu": 1})

	assert.True(t, pool.Limited("gpu"))
	assert.False(t, pool.Limited("browser"))

	a, err := pool.TryAcquire("robot-1", "gpu", "job-1")
	require.NoError(t, err)
	assert.NotEmpty(t, a.AllocationID)
	assert.Equal(t, int64(0), pool.Available("gpu"))

	_, err = pool.TryAcquire("robot-2", "gpu", "job-2")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	_, err = pool.TryAcquire("robot-2", "browser", "job-2")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Len(t, pool.Allocations("robot-1"), 1)
	assert.Empty(t, pool.Allocations("robot-2"))

	assert.True(t, pool.Release(a.AllocationID))
	assert.False(t, pool.Release(a.AllocationID))
	assert.Equal(t, int64(1), pool.Available("gpu"))
}

func TestResourcePool_AcquireHonoursContext(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"gpu": 1})
	_, err := pool.TryAcquire("robot-1", "gpu", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "robot-2", "gpu", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
