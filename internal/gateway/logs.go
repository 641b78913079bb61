package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/logstream"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

// handleLogs streams robot log entries. /ws/logs/{robot_id} follows one
// robot, /ws/logs all robots optionally narrowed by tenant_id.
func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	secret := q.Get("api_secret")
	filter := logstream.Filter{
		RobotID:  chi.URLParam(r, "robot_id"),
		TenantID: q.Get("tenant_id"),
		MinLevel: domain.LogDebug,
	}
	if lvl := q.Get("min_level"); lvl != "" {
		filter.MinLevel = domain.ParseLogLevel(lvl)
	}

	s := g.open(w, r, "logs", func() bool {
		return g.opts.Auth != nil && g.opts.Auth.AuthenticateAdmin(secret)
	})
	if s == nil {
		return
	}
	defer g.release(s, "logs")
	defer s.closeWith(websocket.CloseNormalClosure, "")

	if g.opts.Logs == nil {
		s.closeWith(protocol.CloseServiceUnavailable, "log streaming disabled")
		return
	}

	backlog, live, cancel, err := g.opts.Logs.Follow(filter)
	if err != nil {
		g.logger.Error("read log backlog", "robot_id", filter.RobotID, "err", err)
		s.closeWith(protocol.CloseServiceUnavailable, "log store unavailable")
		return
	}
	defer cancel()

	for _, e := range backlog {
		if err := s.Send(protocol.TypeLogEntry, e); err != nil {
			return
		}
	}

	s.keepAlive(g.opts.ReadTimeout)
	go s.pingLoop(g.opts.PingInterval)
	// the read side only handles control frames and notices the peer leaving
	go func() {
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				s.closeWith(websocket.CloseNormalClosure, "")
				return
			}
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case e, ok := <-live:
			if !ok {
				s.closeWith(websocket.CloseTryAgainLater, "log backlog overflow")
				return
			}
			if err := s.Send(protocol.TypeLogEntry, e); err != nil {
				return
			}
		}
	}
}
