package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

const maxFrameSize = 1 << 20

func (g *Gateway) handleRobot(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")
	apiKey := r.URL.Query().Get("api_key")

	s := g.open(w, r, "robot", func() bool {
		return robotID != "" && g.opts.Auth != nil && g.opts.Auth.AuthenticateRobot(robotID, apiKey)
	})
	if s == nil {
		return
	}
	defer g.release(s, "robot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.serveRobot(ctx, s, robotID)
}

// serveRobot runs the session of one robot until the connection ends
func (g *Gateway) serveRobot(ctx context.Context, s *session, robotID string) {
	s.conn.SetReadLimit(maxFrameSize)
	s.keepAlive(g.opts.ReadTimeout)

	reg, err := g.readRegister(s, robotID)
	if err != nil {
		g.logger.Warn("robot session refused", "robot_id", robotID, "err", err)
		s.closeWith(protocol.CloseIdentityMismatch, "identity mismatch")
		return
	}
	caps, err := domain.ParseCapabilities(reg.Capabilities)
	if err != nil {
		_ = s.Send(protocol.TypeError, protocol.ErrorMessage{Code: errorCode(err), Message: err.Error()})
		s.closeWith(websocket.ClosePolicyViolation, "invalid capabilities")
		return
	}

	robot, err := g.opts.Fleet.Register(fleet.RegisterRequest{
		RobotID:           robotID,
		Name:              reg.Name,
		TenantID:          reg.TenantID,
		Environment:       reg.Environment,
		Capabilities:      caps,
		Tags:              reg.Tags,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
	}, s)
	if err != nil {
		_ = s.Send(protocol.TypeError, protocol.ErrorMessage{Code: errorCode(err), Message: err.Error()})
		s.closeWith(websocket.ClosePolicyViolation, "registration failed")
		return
	}
	defer func() {
		s.closeWith(websocket.CloseNormalClosure, "")
		if g.opts.Fleet.Disconnect(robotID, s) {
			g.logger.Info("robot disconnected", "robot_id", robotID)
		}
	}()

	if err := s.Send(protocol.TypeRegistered, protocol.RegisteredMessage{
		RobotID:               robot.ID,
		HeartbeatIntervalSecs: int(g.opts.HeartbeatInterval.Seconds()),
	}); err != nil {
		return
	}
	go s.pingLoop(g.opts.PingInterval)
	g.opts.Jobs.TryDispatch(ctx)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				g.logger.Warn("robot read error", "robot_id", robotID, "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(data, &env); err != nil {
			g.reply(s, robotID, fmt.Errorf("%w: %v", domain.ErrValidation, err))
			continue
		}
		if err := g.handleRobotMessage(ctx, robotID, reg.TenantID, env); err != nil {
			g.reply(s, robotID, err)
		}
	}
}

// readRegister reads the first frame, which must register the robot named
// in the URL
func (g *Gateway) readRegister(s *session, robotID string) (protocol.RegisterMessage, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return protocol.RegisterMessage{}, fmt.Errorf("read register frame: %w", err)
	}
	var env protocol.EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.RegisterMessage{}, fmt.Errorf("decode register frame: %w", err)
	}
	if env.Type != protocol.TypeRegister {
		return protocol.RegisterMessage{}, fmt.Errorf("%w: first frame is %q, want register", domain.ErrIdentityMismatch, env.Type)
	}
	reg, err := protocol.Decode[protocol.RegisterMessage](env)
	if err != nil {
		return protocol.RegisterMessage{}, err
	}
	if reg.RobotID != robotID {
		return protocol.RegisterMessage{}, fmt.Errorf("%w: register names %q on the channel of %q",
			domain.ErrIdentityMismatch, reg.RobotID, robotID)
	}
	return reg, nil
}

func (g *Gateway) handleRobotMessage(ctx context.Context, robotID, tenantID string, env protocol.EnvelopeRaw) error {
	jobs := g.opts.Jobs

	switch env.Type {
	case protocol.TypeHeartbeat:
		hb, err := protocol.Decode[protocol.HeartbeatMessage](env)
		if err != nil {
			return err
		}
		t := fleet.Telemetry{CPUPercent: hb.CPUPercent, MemoryPercent: hb.MemoryPercent, DiskPercent: hb.DiskPercent}
		if hb.Status != "" {
			if t.Status, err = domain.ParseRobotStatus(hb.Status); err != nil {
				return err
			}
		}
		g.opts.Fleet.Heartbeat(robotID, t)
		return nil

	case protocol.TypeJobAccept:
		m, err := protocol.Decode[protocol.JobAcceptMessage](env)
		if err != nil {
			return err
		}
		return jobs.Accept(ctx, robotID, m.JobID)

	case protocol.TypeJobReject:
		m, err := protocol.Decode[protocol.JobRejectMessage](env)
		if err != nil {
			return err
		}
		return jobs.Reject(ctx, robotID, m.JobID, m.Reason)

	case protocol.TypeJobProgress:
		m, err := protocol.Decode[protocol.JobProgressMessage](env)
		if err != nil {
			return err
		}
		return jobs.Progress(ctx, robotID, m.JobID, m.Progress, m.CurrentNode)

	case protocol.TypeJobComplete:
		m, err := protocol.Decode[protocol.JobCompleteMessage](env)
		if err != nil {
			return err
		}
		return jobs.Complete(ctx, robotID, m.JobID, m.Result)

	case protocol.TypeJobFailed:
		m, err := protocol.Decode[protocol.JobFailedMessage](env)
		if err != nil {
			return err
		}
		return jobs.Fail(ctx, robotID, m.JobID, m.Error, m.Details)

	case protocol.TypeLogBatch:
		m, err := protocol.Decode[protocol.LogBatchMessage](env)
		if err != nil {
			return err
		}
		if g.opts.Logs == nil || len(m.Entries) == 0 {
			return nil
		}
		entries := make([]domain.LogEntry, len(m.Entries))
		for i, l := range m.Entries {
			entries[i] = domain.LogEntry{
				RobotID:   robotID,
				TenantID:  tenantID,
				JobID:     l.JobID,
				NodeID:    l.NodeID,
				Level:     l.Level,
				Message:   l.Message,
				Timestamp: l.Timestamp,
			}
		}
		// storage errors are logged by the stream; live followers still get the lines
		_ = g.opts.Logs.Ingest(entries...)
		return nil

	case protocol.TypeRegister:
		return fmt.Errorf("%w: session already registered", domain.ErrValidation)

	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrValidation, env.Type)
	}
}

// reply reports a rejected frame without ending the session
func (g *Gateway) reply(s *session, robotID string, err error) {
	g.logger.Debug("robot frame rejected", "robot_id", robotID, "err", err)
	if serr := s.Send(protocol.TypeError, protocol.ErrorMessage{Code: errorCode(err), Message: err.Error()}); serr != nil {
		g.logger.Debug("send error frame", "robot_id", robotID, "err", serr)
	}
}
