package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const writeTimeout = 10 * time.Second

// WSMessage is the frame sent to WebSocket clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// StateSource supplies the current scheduler state for newly connected clients
type StateSource interface {
	Snapshot() *models.SchedulerState
}

// WebSocketHandler streams scheduler state changes to connected clients.
// State frames are throttled; the latest state is always delivered eventually.
type WebSocketHandler struct {
	logger      arbor.ILogger
	source      StateSource
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex

	throttle     *rate.Limiter // nil = every state change is sent
	interval     time.Duration
	pendingMu    sync.Mutex
	pending      *models.StateChange
	flushQueued  bool
	lastRevision uint64

	serverInstanceID string // Clients use it to detect a server restart
}

// NewWebSocketHandler creates the handler and subscribes it to the event bus
func NewWebSocketHandler(eventService interfaces.EventService, source StateSource, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		source:           source,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: common.NewInstanceID(),
	}

	if config != nil && config.Throttle != "" {
		if duration, err := time.ParseDuration(config.Throttle); err == nil && duration > 0 {
			h.interval = duration
			h.throttle = rate.NewLimiter(rate.Every(duration), 1)
		} else {
			logger.Warn().Str("interval", config.Throttle).Msg("Invalid websocket throttle - throttling disabled")
		}
	}

	if eventService != nil {
		h.subscribe(eventService)
	}
	return h
}

func (h *WebSocketHandler) subscribe(eventService interfaces.EventService) {
	subscriptions := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventStateChanged: func(ctx context.Context, event interfaces.Event) error {
			if change, ok := event.Payload.(models.StateChange); ok {
				h.onStateChange(change)
			}
			return nil
		},
		interfaces.EventJobFinished: func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(WSMessage{Type: string(interfaces.EventJobFinished), Payload: event.Payload})
			return nil
		},
		interfaces.EventSessionClosed: func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(WSMessage{Type: string(interfaces.EventSessionClosed), Payload: map[string]interface{}{"sessionId": event.Payload}})
			return nil
		},
	}
	for eventType, handler := range subscriptions {
		if err := eventService.Subscribe(eventType, handler); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe websocket handler")
		}
	}
}

// onStateChange sends the change now if the throttle allows, otherwise keeps
// only the newest change and flushes it when the interval has passed
func (h *WebSocketHandler) onStateChange(change models.StateChange) {
	h.pendingMu.Lock()
	if h.lastRevision > 0 && change.Revision <= h.lastRevision {
		// Handlers run concurrently; never send an older state after a newer one
		h.pendingMu.Unlock()
		return
	}
	if h.throttle == nil || (!h.flushQueued && h.throttle.Allow()) {
		h.lastRevision = change.Revision
		h.pendingMu.Unlock()
		h.broadcast(stateMessage(change))
		return
	}
	if h.pending == nil || change.Revision > h.pending.Revision {
		h.pending = &change
	}
	if !h.flushQueued {
		h.flushQueued = true
		time.AfterFunc(h.interval, h.flush)
	}
	h.pendingMu.Unlock()
}

func (h *WebSocketHandler) flush() {
	h.pendingMu.Lock()
	change := h.pending
	h.pending = nil
	h.flushQueued = false
	if change != nil {
		h.lastRevision = change.Revision
		h.throttle.Allow()
	}
	h.pendingMu.Unlock()

	if change != nil {
		h.broadcast(stateMessage(*change))
	}
}

func stateMessage(change models.StateChange) WSMessage {
	return WSMessage{Type: string(interfaces.EventStateChanged), Payload: change}
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.sendInitial(conn, mutex)

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// sendInitial greets a client with the server instance and the full current state
func (h *WebSocketHandler) sendInitial(conn *websocket.Conn, mutex *sync.Mutex) {
	messages := []WSMessage{{
		Type:    "hello",
		Payload: map[string]string{"serverInstanceId": h.serverInstanceID, "version": common.GetVersion()},
	}}
	if h.source != nil {
		state := h.source.Snapshot()
		messages = append(messages, stateMessage(models.StateChange{
			Reason: "snapshot",
			State:  state,
			Stats:  state.Stats(),
		}))
	}

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
			return
		}
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send initial state to client")
			return
		}
	}
}

// broadcast sends msg to every connected client
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
