// Package ops exposes the operational HTTP surface: health, metrics,
// queue depths, dead letters, and run inspection.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/store"
)

// Canceller stops a run's pending work.
type Canceller interface {
	CancelRun(ctx context.Context, tenantID, runID string) (int, error)
}

// Pinger reports whether a downstream dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the ops routes over the store and queue.
type Server struct {
	router    chi.Router
	store     store.Store
	queue     queue.Queue
	canceller Canceller
	db        Pinger
	queues    []string
	log       *zap.Logger
}

// NewServer builds the router. db may be nil when readiness should not
// gate on the database.
func NewServer(st store.Store, q queue.Queue, canceller Canceller, db Pinger, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store:     st,
		queue:     q,
		canceller: canceller,
		db:        db,
		queues:    cfg.Worker.Queues,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Ops.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.Ops.APIKey))
		}
		r.Get("/queues", s.queueDepths)
		r.Get("/dlq", s.deadLetters)
		r.Post("/dlq/{job_id}/requeue", s.requeue)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Post("/suppressions", s.addSuppression)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) queueDepths(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int, len(s.queues))
	for _, q := range s.queues {
		depth, err := s.queue.Depth(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "queue depth lookup failed")
			return
		}
		depths[q] = depth
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": depths})
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dead letter lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.queue.Requeue(r.Context(), jobID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "pending"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant required")
		return
	}
	runs, err := s.store.ListRuns(r.Context(), tenantID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant required")
		return
	}
	run, err := s.store.GetRun(r.Context(), tenantID, chi.URLParam(r, "run_id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant required")
		return
	}
	if s.canceller == nil {
		writeError(w, http.StatusNotImplemented, "cancellation unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	cancelled, err := s.canceller.CancelRun(r.Context(), tenantID, runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID, "status": "cancelled", "jobs_cancelled": cancelled,
	})
}

type suppressionRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Reason   string `json:"reason"`
}

func (s *Server) addSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	sup := &pipeline.Suppression{
		TenantID: req.TenantID,
		Email:    req.Email,
		Domain:   req.Domain,
		Reason:   req.Reason,
		Source:   "api",
	}
	if err := s.store.AddSuppression(r.Context(), sup); err != nil {
		if pipeline.KindOf(err) == pipeline.KindValidation {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "suppression write failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "suppressed"})
}

// tenantFrom reads the tenant from the header, falling back to the
// query string.
func tenantFrom(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant")
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, time.Since(start))
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
