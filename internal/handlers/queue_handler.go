package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/models"
	"github.com/ternarybob/qaharvest/internal/queue"
	"gopkg.in/yaml.v3"
)

// EnqueueRequest adds keys to the queue. Keys and Text may be combined.
type EnqueueRequest struct {
	Keys          []string `json:"keys" validate:"required_without=Text,max=1000"`
	Text          string   `json:"text" validate:"required_without=Keys,max=65536"`
	MarketplaceID string   `json:"marketplaceId" validate:"omitempty,alphanum,max=4"`
}

// StateResponse is returned by GET /api/state
type StateResponse struct {
	State *models.SchedulerState `json:"state"`
	Stats models.QueueStats      `json:"stats"`
}

// ExportDocument is the body of GET /api/queue/export
type ExportDocument struct {
	ExportedAt time.Time          `json:"exportedAt" yaml:"exported_at"`
	Count      int                `json:"count" yaml:"count"`
	Items      []models.QueueItem `json:"items" yaml:"items"`
}

// QueueHandler exposes queue management, run control and remote polling over HTTP
type QueueHandler struct {
	queue  QueueService
	runner RunController
	remote RemoteController
	logger arbor.ILogger
}

// NewQueueHandler creates a queue handler
func NewQueueHandler(queue QueueService, runner RunController, remote RemoteController, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		queue:  queue,
		runner: runner,
		remote: remote,
		logger: logger,
	}
}

// StateHandler handles GET /api/state
func (h *QueueHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	state := h.queue.Snapshot()
	WriteJSON(w, http.StatusOK, StateResponse{State: state, Stats: state.Stats()})
}

// EnqueueHandler handles POST /api/queue
func (h *QueueHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req EnqueueRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	keys := append(req.Keys, SplitKeys(req.Text)...)
	added, err := h.queue.Enqueue(r.Context(), keys, req.MarketplaceID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue items")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue items")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]int{
		"added":    added,
		"rejected": len(keys) - added,
	})
}

// RemoveHandler handles DELETE /api/queue/{marketplace}/{key}
func (h *QueueHandler) RemoveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		WriteError(w, http.StatusBadRequest, "Expected /api/queue/{marketplace}/{key}")
		return
	}

	removed, err := h.queue.Remove(r.Context(), parts[1], parts[0])
	if err != nil {
		h.logger.Error().Err(err).Str("key", parts[1]).Msg("Failed to remove item")
		WriteError(w, http.StatusInternalServerError, "Failed to remove item")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// ClearHandler handles POST /api/queue/clear: stops any run and empties the queue
func (h *QueueHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.runner.Stop(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to stop run before clearing")
		WriteError(w, http.StatusInternalServerError, "Failed to stop run")
		return
	}
	if err := h.queue.ClearAll(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear queue")
		WriteError(w, http.StatusInternalServerError, "Failed to clear queue")
		return
	}
	WriteSuccess(w, "Queue cleared")
}

// ClearFinishedHandler handles POST /api/queue/clear-finished
func (h *QueueHandler) ClearFinishedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	removed, err := h.queue.ClearFinished(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear finished items")
		WriteError(w, http.StatusInternalServerError, "Failed to clear finished items")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// RetryHandler handles POST /api/queue/retry
func (h *QueueHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	retried, err := h.queue.RetryFailed(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to retry failed items")
		WriteError(w, http.StatusInternalServerError, "Failed to retry failed items")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

// ExportHandler handles GET /api/queue/export?format=json|yaml
func (h *QueueHandler) ExportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	items := h.queue.ExportFinished()
	if items == nil {
		items = []models.QueueItem{}
	}
	doc := ExportDocument{ExportedAt: time.Now().UTC(), Count: len(items), Items: items}
	filename := fmt.Sprintf("qaharvest-export-%s", doc.ExportedAt.Format("20060102-150405"))

	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".json"))
		WriteJSON(w, http.StatusOK, doc)
	case "yaml", "yml":
		data, err := yaml.Marshal(doc)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to encode export")
			WriteError(w, http.StatusInternalServerError, "Failed to encode export")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".yaml"))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		WriteError(w, http.StatusBadRequest, "format must be json or yaml")
	}
}

// StartHandler handles POST /api/run/start
func (h *QueueHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	err := h.runner.Start(r.Context())
	switch {
	case errors.Is(err, queue.ErrAlreadyRunning), errors.Is(err, queue.ErrNothingPending):
		WriteError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error().Err(err).Msg("Failed to start run")
		WriteError(w, http.StatusInternalServerError, "Failed to start run")
	default:
		WriteSuccess(w, "Run started")
	}
}

// StopHandler handles POST /api/run/stop
func (h *QueueHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.runner.Stop(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to stop run")
		WriteError(w, http.StatusInternalServerError, "Failed to stop run")
		return
	}
	WriteSuccess(w, "Run stopped")
}

// RemoteEnableHandler handles POST /api/remote/enable
func (h *QueueHandler) RemoteEnableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	err := h.remote.Enable(r.Context())
	switch {
	case errors.Is(err, queue.ErrBackendDisabled):
		WriteError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error().Err(err).Msg("Failed to enable remote polling")
		WriteError(w, http.StatusInternalServerError, "Failed to enable remote polling")
	default:
		WriteSuccess(w, "Remote polling enabled")
	}
}

// RemoteDisableHandler handles POST /api/remote/disable
func (h *QueueHandler) RemoteDisableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.remote.Disable(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to disable remote polling")
		WriteError(w, http.StatusInternalServerError, "Failed to disable remote polling")
		return
	}
	WriteSuccess(w, "Remote polling disabled")
}
