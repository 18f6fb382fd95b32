// Package api exposes the transcode supervisor over a small REST
// surface: start/stop/inspect tasks by (app, stream) or task id, list
// running sessions, and the usual health/metrics endpoints.
package api

import (
	"log/slog"
	"net/http"

	"transcodesupervisor/internal/observability/metrics"
	"transcodesupervisor/internal/transcode/supervisor"
)

// Handler owns the HTTP surface over one Supervisor.
type Handler struct {
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// NewHandler builds a Handler. rec may be nil, in which case
// metrics.Default() is used.
func NewHandler(sup *supervisor.Supervisor, rec *metrics.Recorder, logger *slog.Logger) *Handler {
	if rec == nil {
		rec = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Supervisor: sup, Metrics: rec, Logger: logger}
}

// Mux builds the routed http.Handler for this Handler's endpoints,
// using the Go 1.22 ServeMux method+wildcard patterns in place of an
// external router dependency.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcode/{app}/{stream}", h.startTranscode)
	mux.HandleFunc("DELETE /v1/transcode/{app}/{stream}", h.stopTranscodeByStream)
	mux.HandleFunc("GET /v1/transcode/{app}/{stream}", h.getTaskByStream)
	mux.HandleFunc("DELETE /v1/transcode/tasks/{taskId}", h.stopTranscodeByID)
	mux.HandleFunc("GET /v1/transcode/tasks", h.listTasks)
	mux.HandleFunc("GET /v1/transcode/sessions", h.listSessions)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", h.Metrics.Handler())
	return mux
}
