package admission

import (
	"log/slog"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/metrics"
)

// Gate applies coalescing, the concurrency cap and the rate limit to one
// triggered execution, in that order.
type Gate struct {
	limiter   *RateLimiter
	optimizer *ExecutionOptimizer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGate combines a limiter and an optimizer
func NewGate(limiter *RateLimiter, optimizer *ExecutionOptimizer, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{limiter: limiter, optimizer: optimizer, metrics: m, logger: logger}
}

// Admit returns nil if executionID may start for key. Rejections are
// ErrCoalesced, ErrCapacityExceeded or a *domain.RateLimitError.
func (g *Gate) Admit(key, executionID string) error {
	if g.optimizer.ShouldCoalesce(key) {
		g.reject(key, "coalesced")
		return domain.ErrCoalesced
	}
	if err := g.optimizer.MarkStarted(executionID); err != nil {
		g.optimizer.ClearPending(key)
		g.reject(key, "capacity")
		return err
	}
	if wait, ok := g.limiter.TryAcquire(key); !ok {
		g.optimizer.MarkCompleted(executionID)
		g.optimizer.ClearPending(key)
		g.reject(key, "rate_limited")
		return &domain.RateLimitError{Key: key, Wait: wait}
	}
	return nil
}

// Done releases the concurrency slot of executionID
func (g *Gate) Done(executionID string) {
	g.optimizer.MarkCompleted(executionID)
}

// Active returns the number of admitted executions still running
func (g *Gate) Active() int {
	return g.optimizer.Active()
}

func (g *Gate) reject(key, reason string) {
	g.logger.Debug("admission rejected", "trigger_key", key, "reason", reason)
	g.metrics.AdmissionRejected(reason)
}
