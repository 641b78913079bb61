package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/robot-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

// SubmitJobRequest is the body of POST /jobs
type SubmitJobRequest struct {
	JobID                string          `json:"job_id,omitempty"`
	WorkflowID           string          `json:"workflow_id"`
	WorkflowName         string          `json:"workflow_name,omitempty"`
	RobotID              string          `json:"robot_id,omitempty"`
	Priority             int             `json:"priority"`
	Environment          string          `json:"environment,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	TriggerKey           string          `json:"trigger_key,omitempty"`
	MaxRetries           *int            `json:"max_retries,omitempty"`
	CreatedBy            string          `json:"created_by,omitempty"`
	ScheduledTime        *time.Time      `json:"scheduled_time,omitempty"`
}

// SetStatusRequest is the body of POST /robots/{id}/status
type SetStatusRequest struct {
	Status string `json:"status"`
}

// StatsResponse counts jobs by status and robots by status
type StatsResponse struct {
	Jobs   map[string]int `json:"jobs"`
	Robots map[string]int `json:"robots"`
}

func (s *Server) submitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		caps, err := domain.ParseCapabilities(req.RequiredCapabilities)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}

		job, err := s.opts.Jobs.Submit(r.Context(), dispatch.SubmitRequest{
			JobID:                req.JobID,
			WorkflowID:           req.WorkflowID,
			WorkflowName:         req.WorkflowName,
			RobotID:              req.RobotID,
			Priority:             domain.Priority(req.Priority),
			Environment:          req.Environment,
			Payload:              req.Payload,
			RequiredCapabilities: caps,
			TriggerKey:           req.TriggerKey,
			MaxRetries:           req.MaxRetries,
			CreatedBy:            req.CreatedBy,
			ScheduledTime:        req.ScheduledTime,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.NewJobInfo(job))
	}
}

func (s *Server) listJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := dispatch.Filter{
			WorkflowID: q.Get("workflow_id"),
			RobotID:    q.Get("robot_id"),
		}
		if v := q.Get("status"); v != "" {
			status, err := domain.ParseJobStatus(v)
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			f.Status = status
		}
		limit, err := intParam(q.Get("limit"), 100)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		f.Limit = limit

		jobs := s.opts.Jobs.List(f)
		resp := make([]protocol.JobInfo, len(jobs))
		for i, j := range jobs {
			resp[i] = protocol.NewJobInfo(j)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) getJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.opts.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewJobInfo(job))
	}
}

func (s *Server) cancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.opts.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewJobInfo(job))
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{Jobs: map[string]int{}, Robots: map[string]int{}}
		for status, n := range s.opts.Jobs.Stats() {
			resp.Jobs[string(status)] = n
		}
		for _, rb := range s.opts.Fleet.List(fleet.Filter{}) {
			resp.Robots[string(rb.Status)]++
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) listRobotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := fleet.Filter{TenantID: q.Get("tenant_id")}
		if v := q.Get("status"); v != "" {
			status, err := domain.ParseRobotStatus(v)
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			f.Status = status
		}
		if v := q.Get("capabilities"); v != "" {
			caps, err := domain.ParseCapabilities(strings.Split(v, ","))
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			f.Capabilities = caps
		}

		robots := s.opts.Fleet.List(f)
		resp := make([]protocol.RobotInfo, len(robots))
		for i, rb := range robots {
			resp[i] = protocol.NewRobotInfo(rb)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) getRobotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rb, err := s.opts.Fleet.Get(chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewRobotInfo(rb))
	}
}

func (s *Server) setRobotStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SetStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		status, err := domain.ParseRobotStatus(req.Status)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		rb, err := s.opts.Fleet.SetStatus(chi.URLParam(r, "id"), status)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewRobotInfo(rb))
	}
}

// intParam parses a non-negative integer query value
func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", domain.ErrValidation, v)
	}
	return n, nil
}
