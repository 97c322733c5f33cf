package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket state stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Scheduler state
	mux.HandleFunc("/api/state", s.app.QueueHandler.StateHandler) // GET

	// API routes - Queue
	mux.HandleFunc("/api/queue", s.app.QueueHandler.EnqueueHandler)                      // POST
	mux.HandleFunc("/api/queue/clear", s.app.QueueHandler.ClearHandler)                  // POST
	mux.HandleFunc("/api/queue/clear-finished", s.app.QueueHandler.ClearFinishedHandler) // POST
	mux.HandleFunc("/api/queue/retry", s.app.QueueHandler.RetryHandler)                  // POST
	mux.HandleFunc("/api/queue/export", s.app.QueueHandler.ExportHandler)                // GET ?format=json|yaml
	mux.HandleFunc("/api/queue/", s.handleQueueItemRoutes)                               // DELETE /{marketplace}/{key}

	// API routes - Run control
	mux.HandleFunc("/api/run/", s.handleRunRoutes)

	// API routes - Remote polling
	mux.HandleFunc("/api/remote/", s.handleRemoteRoutes)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleQueueItemRoutes routes /api/queue/{marketplace}/{key}
func (s *Server) handleQueueItemRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodDelete: s.app.QueueHandler.RemoveHandler,
	})
}

// handleRunRoutes routes /api/run/start and /api/run/stop
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	if !RouteByPathSuffix(w, r, "/api/run/", []PathSuffixRouter{
		{Suffix: "start", Handler: s.app.QueueHandler.StartHandler},
		{Suffix: "stop", Handler: s.app.QueueHandler.StopHandler},
	}) {
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleRemoteRoutes routes /api/remote/enable and /api/remote/disable
func (s *Server) handleRemoteRoutes(w http.ResponseWriter, r *http.Request) {
	if !RouteByPathSuffix(w, r, "/api/remote/", []PathSuffixRouter{
		{Suffix: "enable", Handler: s.app.QueueHandler.RemoteEnableHandler},
		{Suffix: "disable", Handler: s.app.QueueHandler.RemoteDisableHandler},
	}) {
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
