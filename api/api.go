// Package api exposes an engine's operational surface over HTTP: job
// inspection, retry and cancel, cron schedule management and aggregate
// queue statistics. Mount Handler under an authenticated admin prefix.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/engine"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// API wires the HTTP handlers for one engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API for eng.
func New(eng *engine.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{eng: eng, logger: logger}
}

// Handler returns a fresh mux with every route registered.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all routes into mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	a.registerJobRoutes(mux)
	a.registerCronRoutes(mux)
	a.registerStatsRoutes(mux)
}

func (a *API) registerJobRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/jobs/counts", a.jobCounts)
	mux.HandleFunc("GET /v1/jobs/{jobId}", a.getJob)
	mux.HandleFunc("POST /v1/jobs/{jobId}/retry", a.retryJob)
	mux.HandleFunc("POST /v1/jobs/{jobId}/cancel", a.cancelJob)
}

func (a *API) registerCronRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/crons", a.listCrons)
	mux.HandleFunc("GET /v1/crons/{name}", a.getCron)
	mux.HandleFunc("DELETE /v1/crons/{name}", a.deleteCron)
}

func (a *API) registerStatsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stats", a.stats)
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("api: write response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeStoreError maps sentinel errors to status codes.
func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mongojobs.ErrJobNotFound), errors.Is(err, mongojobs.ErrScheduleNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mongojobs.ErrInvalidReset), errors.Is(err, mongojobs.ErrInvalidJob):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mongojobs.ErrDuplicateInFlight):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error("api: store error", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// pageBounds reads limit and offset query parameters.
func pageBounds(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
