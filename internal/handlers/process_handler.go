package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/procs"
)

// ProcessHandler exposes worker process supervision over HTTP. These are
// operator endpoints: listing live workers and force-killing them when a
// scrape has gone wrong.
type ProcessHandler struct {
	registry   *procs.Registry
	workerKind string
	logger     arbor.ILogger
}

func NewProcessHandler(registry *procs.Registry, workerKind string, logger arbor.ILogger) *ProcessHandler {
	return &ProcessHandler{
		registry:   registry,
		workerKind: workerKind,
		logger:     logger,
	}
}

// ListProcessesHandler handles GET /api/processes
func (h *ProcessHandler) ListProcessesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	running := h.registry.ListRunning()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"processes": running,
		"count":     len(running),
	})
}

// KillProcessHandler handles POST /api/processes/{pid}/kill. Killing an
// already-exited process reports success.
func (h *ProcessHandler) KillProcessHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/processes/")
	pidStr := strings.TrimSuffix(path, "/kill")
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		WriteError(w, http.StatusBadRequest, "Invalid PID")
		return
	}

	result := h.registry.KillProcess(pid)
	if result.Error != "" {
		WriteError(w, http.StatusInternalServerError, result.Error)
		return
	}

	h.logger.Info().Int("pid", pid).Msg("Worker process killed via API")
	WriteJSON(w, http.StatusOK, result)
}

// KillAllHandler handles POST /api/processes/kill-all, killing every worker
// this instance spawned. Individual failures do not abort the rest.
func (h *ProcessHandler) KillAllHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	results := h.registry.KillAllOurs()
	killed := 0
	for _, result := range results {
		if result.Killed {
			killed++
		}
	}

	h.logger.Info().Int("killed", killed).Int("attempted", len(results)).Msg("Bulk worker kill via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"killed":  killed,
		"results": results,
	})
}

// KillKindHandler handles POST /api/processes/kill-kind. It sweeps the OS
// process table for workers of the configured kind, catching orphans from
// crashed instances that no registry remembers.
func (h *ProcessHandler) KillKindHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = h.workerKind
	}
	if kind == "" {
		WriteError(w, http.StatusBadRequest, "No worker kind configured")
		return
	}

	results := h.registry.KillAllOfKind(kind)
	killed := 0
	for _, result := range results {
		if result.Killed {
			killed++
		}
	}

	h.logger.Warn().Int("killed", killed).Str("kind", kind).Msg("Kill-by-kind sweep via API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    kind,
		"killed":  killed,
		"results": results,
	})
}
