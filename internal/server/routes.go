package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (real-time event push)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (scrape job lifecycle)
	mux.HandleFunc("/api/jobs/stats", s.app.JobHandler.GetJobStatsHandler)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Worker processes (operator supervision)
	mux.HandleFunc("/api/processes", s.app.ProcessHandler.ListProcessesHandler)
	mux.HandleFunc("/api/processes/kill-all", s.app.ProcessHandler.KillAllHandler)
	mux.HandleFunc("/api/processes/kill-kind", s.app.ProcessHandler.KillKindHandler)
	mux.HandleFunc("/api/processes/", s.handleProcessRoutes) // Handles /api/processes/{pid}/kill

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.JobHandler.ListJobsHandler(w, r)
	case "POST":
		s.app.JobHandler.CreateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// GET /api/jobs/{id}/logs/stream (SSE)
	if r.Method == "GET" && strings.HasSuffix(path, "/logs/stream") {
		s.app.SSEHandler.StreamJobLogs(w, r)
		return
	}

	if r.Method == "POST" && len(path) > len("/api/jobs/") {
		// POST /api/jobs/{id}/run
		if strings.HasSuffix(path, "/run") {
			s.app.JobHandler.RunJobHandler(w, r)
			return
		}
		// POST /api/jobs/{id}/cancel
		if strings.HasSuffix(path, "/cancel") {
			s.app.JobHandler.CancelJobHandler(w, r)
			return
		}
	}

	// GET /api/jobs/{id}
	if r.Method == "GET" && len(path) > len("/api/jobs/") {
		pathSuffix := path[len("/api/jobs/"):]
		// GET /api/jobs/stats
		if pathSuffix == "stats" {
			s.app.JobHandler.GetJobStatsHandler(w, r)
			return
		}
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	// DELETE /api/jobs/{id}
	if r.Method == "DELETE" && len(path) > len("/api/jobs/") {
		s.app.JobHandler.DeleteJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleProcessRoutes routes /api/processes/{pid}/kill requests
func (s *Server) handleProcessRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/kill") {
		s.app.ProcessHandler.KillProcessHandler(w, r)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}
