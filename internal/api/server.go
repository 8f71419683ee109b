// Package api is the HTTP boundary in front of the queue engine. Handlers
// decode, call one queue operation, and encode; no queue logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

type Queue interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error)
	Status(ctx context.Context, id string) (domain.Status, error)
	Snapshot(ctx context.Context) (domain.MetricsSnapshot, error)
	ListDeadLetter(ctx context.Context, limit, offset int) ([]domain.DeadLetterEntry, error)
	PurgeDeadLetter(ctx context.Context, id string) error
	RequeueDeadLetter(ctx context.Context, id string) (string, error)
	Ping(ctx context.Context) error
}

// History is the optional transition log.
type History interface {
	Events(ctx context.Context, jobID string) ([]domain.Event, error)
}

// maxDelaySec caps delay_sec at ten years, well inside time.Duration.
const maxDelaySec = 10 * 365 * 24 * 60 * 60

type Server struct {
	q       Queue
	history History
	logger  *zap.Logger
}

// NewServer wires the routes. history may be nil.
func NewServer(q Queue, history History, logger *zap.Logger) *Server {
	return &Server{q: q, history: history, logger: logger.Named("api")}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(s.requestLogger)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/health", s.health)
	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/jobs", s.enqueue)
		rtr.Get("/jobs/{id}", s.status)
		rtr.Get("/jobs/{id}/events", s.events)
		rtr.Get("/metrics", s.metrics)
		rtr.Get("/deadletter", s.listDeadLetter)
		rtr.Delete("/deadletter/{id}", s.purgeDeadLetter)
		rtr.Post("/deadletter/{id}/requeue", s.requeueDeadLetter)
	})
	return rtr
}

type enqueueBody struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	DelaySec    float64         `json:"delay_sec"`
	MaxAttempts *int            `json:"max_attempts"`
}

type enqueueResponse struct {
	ID       string          `json:"id"`
	State    domain.State    `json:"state"`
	Priority domain.Priority `json:"priority"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, r, errBadRequest("malformed json: "+err.Error()))
		return
	}
	if body.DelaySec < 0 {
		s.fail(w, r, errBadRequest("delay_sec must be >= 0"))
		return
	}
	if body.DelaySec > maxDelaySec {
		s.fail(w, r, errBadRequest(fmt.Sprintf("delay_sec too large, max %d", maxDelaySec)))
		return
	}
	if body.MaxAttempts != nil && *body.MaxAttempts < 1 {
		s.fail(w, r, errBadRequest("max_attempts must be >= 1"))
		return
	}
	prio, err := domain.ParsePriority(body.Priority)
	if err != nil {
		s.fail(w, r, errBadRequest(err.Error()))
		return
	}

	req := domain.EnqueueRequest{
		Type:     body.Type,
		Payload:  body.Payload,
		Priority: prio,
		Delay:    time.Duration(body.DelaySec * float64(time.Second)),
	}
	if body.MaxAttempts != nil {
		req.MaxAttempts = *body.MaxAttempts
	}
	id, err := s.q.Enqueue(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	state := domain.Queued
	if req.Delay > 0 {
		state = domain.Scheduled
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id, State: state, Priority: prio})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.q.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "transition history is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	evs, err := s.history.Events(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "events": evs})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.q.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil || limit < 1 || limit > 1000 {
		s.fail(w, r, errBadRequest("limit must be an integer within 1..1000"))
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		s.fail(w, r, errBadRequest("offset must be a non-negative integer"))
		return
	}
	entries, err := s.q.ListDeadLetter(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "limit": limit, "offset": offset})
}

func (s *Server) purgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.q.PurgeDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := s.q.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "requeued_from": chi.URLParam(r, "id")})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.q.Ping(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequest(msg) }

// fail maps queue errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var bad badRequest
	switch {
	case errors.As(err, &bad), errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.logger.Warn("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
