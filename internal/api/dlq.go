package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// DLQListResponse is a page of entries with counts for the same scope
type DLQListResponse struct {
	Entries []domain.DLQEntry `json:"entries"`
	Total   int               `json:"total"`
	Pending int               `json:"pending"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// DLQRetryResponse names the job created by a retry
type DLQRetryResponse struct {
	DLQEntryID string `json:"dlq_entry_id"`
	NewJobID   string `json:"new_job_id"`
}

// DLQPurgeResponse reports how many entries a purge removed
type DLQPurgeResponse struct {
	PurgedCount int `json:"purged_count"`
}

func (s *Server) listDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.DLQFilter{WorkflowID: q.Get("workflow_id")}
		if v := q.Get("pending_only"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "pending_only must be a boolean")
				return
			}
			f.PendingOnly = b
		}
		var err error
		if f.Limit, err = intParam(q.Get("limit"), 50); err != nil {
			s.writeDomainError(w, err)
			return
		}
		if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
			s.writeDomainError(w, err)
			return
		}

		entries, err := s.opts.DeadLetters.List(r.Context(), f)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		stats, err := s.opts.DeadLetters.Stats(r.Context(), f.WorkflowID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if entries == nil {
			entries = []domain.DLQEntry{}
		}
		writeJSON(w, http.StatusOK, DLQListResponse{
			Entries: entries,
			Total:   stats.Total,
			Pending: stats.Pending,
			Limit:   f.Limit,
			Offset:  f.Offset,
		})
	}
}

func (s *Server) dlqStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.opts.DeadLetters.Stats(r.Context(), r.URL.Query().Get("workflow_id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) getDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := s.opts.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func (s *Server) retryDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.opts.DeadLetters.Retry(r.Context(), id, r.URL.Query().Get("reprocessed_by"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, DLQRetryResponse{DLQEntryID: id, NewJobID: job.ID})
	}
}

func (s *Server) deleteDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := s.opts.DeadLetters.Delete(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, domain.ErrDLQEntryNotFound.Error()+": "+id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

// purgeDLQHandler falls back to the configured retention when
// older_than_days is absent
func (s *Server) purgeDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := intParam(r.URL.Query().Get("older_than_days"), s.opts.DefaultRetentionDays)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		n, err := s.opts.DeadLetters.Purge(r.Context(), days)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, DLQPurgeResponse{PurgedCount: n})
	}
}
