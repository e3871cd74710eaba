// Package api exposes the HTTP control surface for the fleet service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/config"
	"github.com/growthscout/fleetd/internal/enrich"
	"github.com/growthscout/fleetd/internal/fleet"
)

// PipelineStarter launches a multi-stage enrichment run. The enrichment
// manager implements it.
type PipelineStarter interface {
	StartPipeline(ctx context.Context, reportID string, plan enrich.StagePlan, seed json.RawMessage) (enrich.Job, error)
	Jobs() []enrich.Job
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router    chi.Router
	store     fleet.Store
	submitter fleet.Submitter
	pipelines PipelineStarter
	clock     fleet.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store fleet.Store,
	submitter fleet.Submitter,
	pipelines PipelineStarter,
	clock fleet.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:     store,
		submitter: submitter,
		pipelines: pipelines,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Get("/{task_id}", s.getTask)
		})
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.listPipelineJobs)
			r.Post("/{name}", s.startPipeline)
		})
		r.Get("/workers", s.listWorkers)
		r.Get("/queue/stats", s.queueStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.Stats(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitTaskRequest struct {
	Capability string          `json:"capability"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	ReportID   string          `json:"report_id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.submitter.Submit(r.Context(), fleet.Capability(req.Capability), req.Action, req.Payload, req.ReportID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, fleet.ErrUnknownCapability), errors.Is(err, fleet.ErrUnknownAction):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

type startPipelineRequest struct {
	ReportID string          `json:"report_id"`
	Seed     json.RawMessage `json:"seed"`
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	plan, ok := s.cfg.Plan(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "pipeline template not found")
		return
	}
	var req startPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.pipelines.StartPipeline(r.Context(), req.ReportID, plan, req.Seed)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fleet.ErrUnknownCapability) || errors.Is(err, fleet.ErrUnknownAction) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) listPipelineJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.pipelines.Jobs()
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type workerView struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Capability          string `json:"capability"`
	Status              string `json:"status"`
	CurrentTaskID       string `json:"current_task_id,omitempty"`
	LastHeartbeat       string `json:"last_heartbeat"`
	HeartbeatAgeSeconds int    `json:"heartbeat_age_seconds"`
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	now := s.clock.Now()
	views := make([]workerView, 0, len(workers))
	for _, wk := range workers {
		views = append(views, workerView{
			ID:                  wk.ID,
			Name:                wk.Name,
			Capability:          string(wk.Capability),
			Status:              string(wk.Status),
			CurrentTaskID:       wk.CurrentTaskID,
			LastHeartbeat:       wk.LastHeartbeat.UTC().Format(time.RFC3339),
			HeartbeatAgeSeconds: int(now.Sub(wk.LastHeartbeat) / time.Second),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": views})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
