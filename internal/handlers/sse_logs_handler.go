package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/logstream"
)

// ssePing is the keepalive frame sent on quiet streams
type ssePing struct {
	Timestamp time.Time `json:"timestamp"`
}

// SSELogsHandler streams a job's live log entries over Server-Sent Events.
// The stream is a live tail: a viewer attaching mid-run receives only
// entries appended after attachment, never a backfill. Entries are not
// stored; the job record is where durable outcomes live.
type SSELogsHandler struct {
	hub    *logstream.Hub
	store  interfaces.JobStorage
	logger arbor.ILogger
}

func NewSSELogsHandler(hub *logstream.Hub, store interfaces.JobStorage, logger arbor.ILogger) *SSELogsHandler {
	return &SSELogsHandler{
		hub:    hub,
		store:  store,
		logger: logger,
	}
}

// StreamJobLogs handles GET /api/jobs/{id}/logs/stream
func (h *SSELogsHandler) StreamJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := JobIDFromPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		http.Error(w, "job ID is required", http.StatusBadRequest)
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Flush headers immediately to trigger browser's EventSource.onopen
	flusher.Flush()

	// The job frame gives the viewer current state up front; everything
	// after is live tail only.
	h.sendEvent(w, flusher, "job", job)

	entries, detach := h.hub.Attach(jobID)
	defer detach()

	h.logger.Debug().Str("job_id", jobID).Msg("SSE log viewer connected")

	pingInterval := 15 * time.Second
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("job_id", jobID).Msg("SSE log viewer disconnected")
			return

		case entry, ok := <-entries:
			if !ok {
				return
			}
			h.sendEvent(w, flusher, "log", entry)
			pingTicker.Reset(pingInterval)

		case <-pingTicker.C:
			h.sendEvent(w, flusher, "ping", ssePing{Timestamp: time.Now()})
		}
	}
}

// sendEvent writes an SSE event to the response
func (h *SSELogsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal SSE event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// IsLogStreamPath reports whether the path targets a job log stream
func IsLogStreamPath(path string) bool {
	return strings.HasSuffix(path, "/logs/stream")
}
