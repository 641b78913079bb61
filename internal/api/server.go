// Package api serves the coordinator's REST surface: job submission, fleet
// inspection, the dead letter queue and an SSE feed of coordinator events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/robot-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
	"github.com/hochfrequenz/robot-orchestrator/internal/events"
	"github.com/hochfrequenz/robot-orchestrator/internal/fleet"
)

// Jobs is the dispatcher surface used by the job routes
type Jobs interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	List(f dispatch.Filter) []domain.Job
	Cancel(ctx context.Context, id string) (domain.Job, error)
	Stats() map[domain.JobStatus]int
}

// Fleet is the registry surface used by the robot routes
type Fleet interface {
	List(f fleet.Filter) []domain.Robot
	Get(robotID string) (domain.Robot, error)
	SetStatus(robotID string, status domain.RobotStatus) (domain.Robot, error)
}

// DeadLetters is the DLQ manager surface
type DeadLetters interface {
	List(ctx context.Context, f domain.DLQFilter) ([]domain.DLQEntry, error)
	Get(ctx context.Context, id string) (domain.DLQEntry, error)
	Stats(ctx context.Context, workflowID string) (domain.DLQStats, error)
	Retry(ctx context.Context, id, reprocessedBy string) (domain.Job, error)
	Delete(ctx context.Context, id string) (bool, error)
	Purge(ctx context.Context, olderThanDays int) (int, error)
}

// AdminAuth checks the admin secret presented with a request
type AdminAuth interface {
	AuthenticateAdmin(secret string) bool
}

// Options configures a Server
type Options struct {
	Jobs        Jobs
	Fleet       Fleet
	DeadLetters DeadLetters
	Auth        AdminAuth
	Events      *events.Bus
	Gatherer    prometheus.Gatherer
	Ready       func(ctx context.Context) error

	// Mount adds routes outside the REST middleware stack, such as the
	// WebSocket endpoints.
	Mount func(r chi.Router)

	RequestTimeout       time.Duration
	DefaultRetentionDays int
	MutationRate         float64
	MutationBurst        int

	Logger *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	opts    Options
	limiter *clientLimiter
	logger  *slog.Logger
	router  chi.Router
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DefaultRetentionDays <= 0 {
		opts.DefaultRetentionDays = 30
	}
	if opts.MutationRate <= 0 {
		opts.MutationRate = 1
	}
	if opts.MutationBurst <= 0 {
		opts.MutationBurst = 5
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		limiter: newClientLimiter(opts.MutationRate, opts.MutationBurst),
		logger:  opts.Logger,
	}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.opts.Mount != nil {
		s.opts.Mount(r)
	}

	r.Get("/health", s.healthHandler())
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/events", s.sseHandler())

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJobHandler())
				r.Get("/", s.listJobsHandler())
				r.Get("/{id}", s.getJobHandler())
				r.Post("/{id}/cancel", s.cancelJobHandler())
			})
			r.Get("/stats", s.statsHandler())

			r.Route("/robots", func(r chi.Router) {
				r.Get("/", s.listRobotsHandler())
				r.Get("/{id}", s.getRobotHandler())
				r.Post("/{id}/status", s.setRobotStatusHandler())
			})

			r.Route("/dlq", func(r chi.Router) {
				r.Get("/", s.listDLQHandler())
				r.Get("/stats", s.dlqStatsHandler())
				r.Get("/{id}", s.getDLQHandler())

				r.Group(func(r chi.Router) {
					r.Use(s.limiter.middleware)
					r.Post("/purge", s.purgeDLQHandler())
					r.Post("/{id}/retry", s.retryDLQHandler())
					r.Delete("/{id}", s.deleteDLQHandler())
				})
			})
		})
	})
	return r
}

// requireAdmin accepts "Authorization: Bearer <secret>" or an api_secret
// query parameter
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if secret == "" {
			secret = r.URL.Query().Get("api_secret")
		}
		if s.opts.Auth == nil || !s.opts.Auth.AuthenticateAdmin(secret) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Ready != nil {
			if err := s.opts.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeDomainError maps a domain error to its HTTP status
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		setRetryAfter(w, rl.Wait)
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrRobotNotFound),
		errors.Is(err, domain.ErrDLQEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrCoalesced):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrNoAvailableRobot),
		errors.Is(err, domain.ErrCapacityExceeded),
		errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
