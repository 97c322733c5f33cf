package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
)

// SessionReporter exposes the managed page session for health checks
type SessionReporter interface {
	ActiveSessionID() string
}

// APIHandler serves system endpoints
type APIHandler struct {
	logger    arbor.ILogger
	sessions  SessionReporter
	startedAt time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(sessions SessionReporter, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		logger:    logger,
		sessions:  sessions,
		startedAt: time.Now(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"full":    common.GetFullVersion(),
	})
}

// HealthHandler returns health check status
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	resp := map[string]interface{}{
		"status":             "ok",
		"uptime":             time.Since(h.startedAt).Round(time.Second).String(),
		"goroutines":         runtime.NumGoroutine(),
		"goroutines_spawned": common.GetGoroutineCount(),
	}
	if h.sessions != nil {
		resp["active_session"] = h.sessions.ActiveSessionID()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
