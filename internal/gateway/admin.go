package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/robot-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

func (g *Gateway) handleAdmin(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("api_secret")
	s := g.open(w, r, "admin", func() bool {
		return g.opts.Auth != nil && g.opts.Auth.AuthenticateAdmin(secret)
	})
	if s == nil {
		return
	}
	defer g.release(s, "admin")

	var feed <-chan events.Event
	if g.opts.Events != nil {
		ch, unsubscribe := g.opts.Events.Subscribe(g.opts.EventBuffer)
		defer unsubscribe()
		feed = ch
	}
	defer s.closeWith(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(maxFrameSize)
	s.keepAlive(g.opts.ReadTimeout)

	if err := s.Send(protocol.TypeSnapshot, g.Snapshot()); err != nil {
		return
	}
	go s.pingLoop(g.opts.PingInterval)
	go g.forwardEvents(s, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				g.logger.Warn("admin read error", "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(data, &env); err != nil {
			_ = s.Send(protocol.TypeAck, protocol.AckMessage{OK: false, Error: "invalid frame"})
			continue
		}
		g.handleAdminRequest(ctx, s, env)
	}
}

// forwardEvents relays bus events until the session or the feed ends. A
// feed closed by the bus means the session fell behind.
func (g *Gateway) forwardEvents(s *session, feed <-chan events.Event) {
	if feed == nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-feed:
			if !ok {
				s.closeWith(websocket.CloseTryAgainLater, "event backlog overflow")
				return
			}
			msg := protocol.EventMessage{Kind: ev.Kind, Timestamp: ev.Timestamp, Data: ev.Data}
			if err := s.Send(protocol.TypeEvent, msg); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (g *Gateway) handleAdminRequest(ctx context.Context, s *session, env protocol.EnvelopeRaw) {
	var err error
	switch env.Type {
	case protocol.TypeGetSnapshot:
		if err := s.Send(protocol.TypeSnapshot, g.Snapshot()); err != nil {
			g.logger.Debug("send snapshot", "err", err)
		}
		return

	case protocol.TypeCancelJob:
		var req protocol.CancelJobRequest
		if req, err = protocol.Decode[protocol.CancelJobRequest](env); err == nil {
			_, err = g.opts.Jobs.Cancel(ctx, req.JobID)
		}

	case protocol.TypeSetRobotStatus:
		var req protocol.SetRobotStatusRequest
		if req, err = protocol.Decode[protocol.SetRobotStatusRequest](env); err == nil {
			var status domain.RobotStatus
			if status, err = domain.ParseRobotStatus(req.Status); err == nil {
				_, err = g.opts.Fleet.SetStatus(req.RobotID, status)
			}
		}

	default:
		err = fmt.Errorf("%w: unknown request %q", domain.ErrValidation, env.Type)
	}

	ack := protocol.AckMessage{Request: env.Type, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	if serr := s.Send(protocol.TypeAck, ack); serr != nil {
		g.logger.Debug("send ack", "err", serr)
	}
}

// Snapshot returns the fleet view sent to admin sessions
func (g *Gateway) Snapshot() protocol.SnapshotMessage {
	robots := g.opts.Fleet.List(fleet.Filter{})
	jobs := g.opts.Jobs.List(dispatch.Filter{Limit: g.opts.SnapshotJobs})

	snap := protocol.SnapshotMessage{
		Robots: make([]protocol.RobotInfo, 0, len(robots)),
		Jobs:   make([]protocol.JobInfo, 0, len(jobs)),
		Stats:  protocol.JobStats{},
	}
	for _, rb := range robots {
		snap.Robots = append(snap.Robots, protocol.NewRobotInfo(rb))
	}
	for _, j := range jobs {
		snap.Jobs = append(snap.Jobs, protocol.NewJobInfo(j))
	}
	for status, n := range g.opts.Jobs.Stats() {
		snap.Stats[string(status)] = n
	}
	return snap
}
