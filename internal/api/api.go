// Package api exposes job management and delivery history over HTTP.
//
// Routes:
//
//	GET    /v1/jobs                     ?enabled=true|false
//	POST   /v1/jobs
//	GET    /v1/jobs/{id}
//	PUT    /v1/jobs/{id}
//	DELETE /v1/jobs/{id}
//	GET    /v1/jobs/{id}/deliveries     ?state=...&limit=...
//	GET    /v1/deliveries/{id}
//	GET    /v1/schedules/preview        ?schedule=...&timezone=...&count=...
//
// Errors are JSON objects {"error": "...", "kind": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cronrelay/internal/httpserver"
	"cronrelay/internal/jobs"
	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Jobs is the management service the handler drives.
type Jobs interface {
	Create(ctx context.Context, sp jobs.Spec) (storage.Job, error)
	Get(ctx context.Context, id string) (storage.Job, error)
	List(ctx context.Context, enabled *bool) ([]storage.Job, error)
	Update(ctx context.Context, id string, sp jobs.Spec) (storage.Job, error)
	Delete(ctx context.Context, id string) error
	Deliveries(ctx context.Context, jobID string, state storage.IntentState, limit int) ([]jobs.Delivery, error)
	Delivery(ctx context.Context, id string) (jobs.Delivery, error)
	Preview(schedule, tz string, n int) ([]time.Time, error)
}

type Options struct {
	Token string // optional bearer token
	Log   logx.Logger
}

type handler struct {
	jobs Jobs
	log  logx.Logger
}

// New returns the API handler.
func New(j Jobs, opts Options) http.Handler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{jobs: j, log: log.With(logx.String("comp", "api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs", h.listJobs)
	mux.HandleFunc("POST /v1/jobs", h.createJob)
	mux.HandleFunc("GET /v1/jobs/{id}", h.getJob)
	mux.HandleFunc("PUT /v1/jobs/{id}", h.updateJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.deleteJob)
	mux.HandleFunc("GET /v1/jobs/{id}/deliveries", h.jobDeliveries)
	mux.HandleFunc("GET /v1/deliveries/{id}", h.getDelivery)
	mux.HandleFunc("GET /v1/schedules/preview", h.preview)

	return httpserver.RequireToken(opts.Token, h.logged(mux))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if v := r.URL.Query().Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, badRequest("enabled: %v", err))
			return
		}
		enabled = &b
	}
	list, err := h.jobs.List(r.Context(), enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var sp jobs.Spec
	if err := decode(w, r, &sp); err != nil {
		writeError(w, err)
		return
	}
	j, err := h.jobs.Create(r.Context(), sp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) updateJob(w http.ResponseWriter, r *http.Request) {
	var sp jobs.Spec
	if err := decode(w, r, &sp); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if sp.ID != "" && sp.ID != id {
		writeError(w, badRequest("id %q does not match path", sp.ID))
		return
	}
	j, err := h.jobs.Update(r.Context(), id, sp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) jobDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := storage.IntentState(q.Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, badRequest("unknown state %q", state))
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = min(n, 500)
	}

	id := r.PathValue("id")
	list, err := h.jobs.Deliveries(r.Context(), id, state, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deliveries": list})
}

func (h *handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.jobs.Delivery(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expr := strings.TrimSpace(q.Get("schedule"))
	if expr == "" {
		writeError(w, badRequest("schedule is required"))
		return
	}
	n := 5
	if v := q.Get("count"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil || c <= 0 {
			writeError(w, badRequest("count must be a positive integer"))
			return
		}
		n = c
	}
	tz := strings.TrimSpace(q.Get("timezone"))
	times, err := h.jobs.Preview(expr, tz, n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": expr, "timezone": tz, "fire_times": times})
}

// ---- errors ----

type apiError struct {
	status int
	kind   string
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, kind: "bad_request", msg: fmt.Sprintf(format, args...)}
}

// classify maps the error taxonomy onto HTTP statuses.
func classify(err error) *apiError {
	var (
		ae  *apiError
		se  *jobs.ScheduleError
		ce  *jobs.ConfigurationError
		ste *storage.StoreError
	)
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.As(err, &se):
		return &apiError{status: http.StatusBadRequest, kind: "schedule", msg: err.Error()}
	case errors.As(err, &ce):
		return &apiError{status: http.StatusBadRequest, kind: "configuration", msg: err.Error()}
	case errors.Is(err, storage.ErrJobNotFound), errors.Is(err, storage.ErrIntentNotFound):
		return &apiError{status: http.StatusNotFound, kind: "not_found", msg: err.Error()}
	case errors.Is(err, storage.ErrJobExists), errors.Is(err, storage.ErrStaleSchedule):
		return &apiError{status: http.StatusConflict, kind: "conflict", msg: err.Error()}
	case errors.Is(err, storage.ErrUnavailable), errors.As(err, &ste):
		return &apiError{status: http.StatusServiceUnavailable, kind: "store", msg: "store unavailable"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &apiError{status: http.StatusServiceUnavailable, kind: "timeout", msg: err.Error()}
	default:
		return &apiError{status: http.StatusInternalServerError, kind: "internal", msg: "internal error"}
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	if ae.status >= 500 {
		h.log.Warn("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("kind", ae.kind),
			logx.Err(err),
		)
	}
	writeError(w, ae)
}

func writeError(w http.ResponseWriter, err error) {
	ae := classify(err)
	writeJSON(w, ae.status, map[string]string{"error": ae.msg, "kind": ae.kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return &apiError{status: http.StatusRequestEntityTooLarge, kind: "bad_request", msg: "request body too large"}
		}
		return badRequest("invalid JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return badRequest("invalid JSON: trailing data")
	}
	return nil
}

// ---- access log ----

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handler) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.log.Enabled(logx.LevelDebug) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}
