// Package gateway serves the WebSocket channels: the robot job channel, the
// admin fleet view and the log streams.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/robot-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
	"github.com/hochfrequenz/robot-orchestrator/internal/logstream"
	"github.com/hochfrequenz/robot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

// Fleet is the registry surface used by sessions
type Fleet interface {
	Register(req fleet.RegisterRequest, s fleet.Session) (domain.Robot, error)
	Heartbeat(robotID string, t fleet.Telemetry)
	Disconnect(robotID string, s fleet.Session) bool
	SetStatus(robotID string, status domain.RobotStatus) (domain.Robot, error)
	List(f fleet.Filter) []domain.Robot
}

// Jobs is the dispatcher surface used by sessions
type Jobs interface {
	Accept(ctx context.Context, robotID, jobID string) error
	Reject(ctx context.Context, robotID, jobID, reason string) error
	Progress(ctx context.Context, robotID, jobID string, progress int, node string) error
	Complete(ctx context.Context, robotID, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, robotID, jobID, message, details string) error
	Cancel(ctx context.Context, jobID string) (domain.Job, error)
	TryDispatch(ctx context.Context) int
	List(f dispatch.Filter) []domain.Job
	Stats() map[domain.JobStatus]int
}

// ReadyFunc reports whether the services a session depends on are up
type ReadyFunc func(ctx context.Context) error

// Options configures a Gateway
type Options struct {
	Auth   Authenticator
	Fleet  Fleet
	Jobs   Jobs
	Logs   *logstream.Stream
	Events *events.Bus
	Ready  ReadyFunc

	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SnapshotJobs      int
	EventBuffer       int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gateway accepts WebSocket sessions
type Gateway struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New creates a gateway
func New(opts Options) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SnapshotJobs <= 0 {
		opts.SnapshotJobs = 200
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sessions: make(map[*session]struct{}),
	}
}

// Routes mounts the WebSocket endpoints on r
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws/robot/{robot_id}", g.handleRobot)
	r.Get("/ws/admin", g.handleAdmin)
	r.Get("/ws/logs/{robot_id}", g.handleLogs)
	r.Get("/ws/logs", g.handleLogs)
}

// Shutdown closes every open session with "going away"
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	open := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()
	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "coordinator shutting down")
	}
}

// Sessions returns the number of open sessions
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// open upgrades the request and runs the readiness and credential checks.
// It returns nil if the session was refused.
func (g *Gateway) open(w http.ResponseWriter, r *http.Request, kind string, authorized func() bool) *session {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "kind", kind, "err", err)
		return nil
	}
	s := newSession(conn, g.opts.WriteTimeout)

	if g.opts.Ready != nil {
		if err := g.opts.Ready(r.Context()); err != nil {
			g.logger.Warn("refusing session, dependency unavailable", "kind", kind, "err", err)
			s.closeWith(protocol.CloseServiceUnavailable, "service unavailable")
			return nil
		}
	}
	if !authorized() {
		g.logger.Warn("refusing session, bad credentials", "kind", kind, "remote", r.RemoteAddr)
		s.closeWith(protocol.CloseUnauthorized, "unauthorized")
		return nil
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		s.closeWith(websocket.CloseGoingAway, "coordinator shutting down")
		return nil
	}
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	g.metrics.SessionOpened(kind)
	return s
}

func (g *Gateway) release(s *session, kind string) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
	g.metrics.SessionClosed(kind)
}

// errorCode maps a domain error to a wire error code
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, domain.ErrRobotNotFound):
		return "robot_not_found"
	case errors.Is(err, domain.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrValidation):
		return "invalid_message"
	default:
		return "internal"
	}
}

func isExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
