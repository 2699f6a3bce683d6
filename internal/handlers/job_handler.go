package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
	"github.com/leadgrid/leadgrid/internal/scheduler"
)

// JobHandler exposes the scrape-job lifecycle over HTTP
type JobHandler struct {
	runner *scheduler.Runner
	store  interfaces.JobStorage
	logger arbor.ILogger
}

func NewJobHandler(runner *scheduler.Runner, store interfaces.JobStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		runner: runner,
		store:  store,
		logger: logger,
	}
}

// CreateJobHandler handles POST /api/jobs.
// The job is created in the scheduled state; with ?run=true it is started
// immediately after creation.
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var params models.JobParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.runner.Schedule(r.Context(), params)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("run") == "true" {
		if err := h.runner.Run(r.Context(), job.ID); err != nil {
			h.writeRunError(w, err)
			return
		}
		// return the fresh record so the caller sees the running state
		if started, err := h.store.Get(r.Context(), job.ID); err == nil {
			job = started
		}
	}

	WriteJSON(w, http.StatusCreated, job)
}

// RunJobHandler handles POST /api/jobs/{id}/run
func (h *JobHandler) RunJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := JobIDFromPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.runner.Run(r.Context(), jobID); err != nil {
		h.writeRunError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "running",
		"job_id": jobID,
	})
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel.
// Cancellation is idempotent: cancelling a finished job succeeds without
// side effects.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := JobIDFromPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.runner.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteSuccess(w, "Job cancelled")
}

// DeleteJobHandler handles DELETE /api/jobs/{id}. A running job is
// cancelled before its record is removed.
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := JobIDFromPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.runner.Delete(r.Context(), jobID); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteSuccess(w, "Job deleted")
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := JobIDFromPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler handles GET /api/jobs with optional status, country and
// limit filters
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	filter := models.JobFilter{
		Status:  models.JobStatus(r.URL.Query().Get("status")),
		Country: r.URL.Query().Get("country"),
	}
	limit := QueryInt(r, "limit", 100)

	jobs, err := h.store.List(r.Context(), filter, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobStatsHandler handles GET /api/jobs/stats
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// writeRunError maps a failed start to the right status code: a state
// conflict means the job already ran or is running, which is the caller's
// race to lose, not a server fault.
func (h *JobHandler) writeRunError(w http.ResponseWriter, err error) {
	var conflict *interfaces.StateConflictError
	switch {
	case errors.As(err, &conflict):
		WriteJSON(w, http.StatusConflict, map[string]string{
			"status": "error",
			"error":  "job is not in the scheduled state",
			"actual": string(conflict.Actual),
		})
	case errors.Is(err, interfaces.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, scheduler.ErrMaxConcurrent):
		WriteError(w, http.StatusTooManyRequests, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
