// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"warpjobs/internal/apperrors"
	"warpjobs/internal/health"
	"warpjobs/internal/job"
)

// maxRequestBodySize bounds a request: the payload limit plus JSON overhead
const maxRequestBodySize = 96 << 20 // 96 MB

// JobRunner runs a job to completion.
type JobRunner interface {
	Run(ctx context.Context, req *job.Request) *job.Outcome
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs   JobRunner
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs JobRunner, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:   jobs,
		health: healthChecker,
	}
}

// RunJob handles POST /v1/jobs. The job runs synchronously; the response body
// is the job body object, with 200 on success, 400 for a rejected request and
// 500 for any other failure.
//
// A client that disconnects does not cancel the job: it still runs to
// completion, bounded by the job timeout, so its lifecycle events and
// published artifact stay consistent.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	out := h.jobs.Run(context.WithoutCancel(r.Context()), &req)
	if !out.Succeeded() {
		h.logFailure(r, out)
	}
	writeJSON(w, apperrors.HTTPStatus(out.Err), out.Body())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the worker cannot be launched. A failing artifact sink
// degrades readiness but still answers 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError answers with the same body shape a failed job uses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, job.Body{Error: message})
}

func (h *Handler) logFailure(r *http.Request, out *job.Outcome) {
	status := apperrors.HTTPStatus(out.Err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Job failed",
			"jobKey", out.Key, "requestId", RequestID(r.Context()), "error", out.Err, "failedAt", out.FailedAt)
	} else {
		slog.WarnContext(r.Context(), "Job rejected",
			"jobKey", out.Key, "requestId", RequestID(r.Context()), "error", out.Err, "status", status)
	}
}
