package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSFrame is the wire format for every message pushed to event clients.
// Application events and connection-signaling frames (connected, heartbeat,
// broker availability) share it; the signaling types never collide with
// application event types.
type WSFrame struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketHandler pushes application events to connected clients. Every
// client receives a connected frame carrying the server instance ID first,
// then a mix of event frames and heartbeats. Delivery is best-effort: a
// client that missed frames while disconnected re-reads current state over
// the REST API instead of expecting a replay.
type WebSocketHandler struct {
	logger            arbor.ILogger
	bus               interfaces.EventBus
	config            *common.WebSocketConfig
	serverInstanceID  string
	progressThrottler *rate.Limiter

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewWebSocketHandler(bus interfaces.EventBus, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		bus:              bus,
		config:           config,
		serverInstanceID: uuid.New().String(),
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		stopCh:           make(chan struct{}),
	}

	if config != nil && config.ProgressThrottle > 0 {
		h.progressThrottler = rate.NewLimiter(rate.Every(config.ProgressThrottle), 1)
		logger.Debug().
			Str("interval", config.ProgressThrottle.String()).
			Msg("Throttler initialized for scraper progress events")
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	return h
}

// Start launches the event pump and the heartbeat broadcaster
func (h *WebSocketHandler) Start() {
	common.SafeGo(h.logger, "ws-event-pump", h.eventPump)
	common.SafeGo(h.logger, "ws-heartbeat", h.heartbeatLoop)

	if bus, ok := h.bus.(interface {
		OnBrokerStateChange(func(interfaces.BrokerState))
	}); ok {
		bus.OnBrokerStateChange(h.broadcastBrokerState)
	}
}

// Stop halts the background loops. Open client connections close on their
// own when the server shuts down.
func (h *WebSocketHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	// The connected frame is always first. Clients compare the instance ID
	// against the previous connection to detect a server restart.
	h.sendToConn(conn, WSFrame{
		Type: "connected",
		Payload: map[string]interface{}{
			"server_instance_id": h.serverInstanceID,
			"broker_state":       string(h.bus.BrokerState()),
		},
		Timestamp: time.Now(),
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// eventPump forwards bus events to all connected clients until stopped
func (h *WebSocketHandler) eventPump() {
	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-h.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !h.shouldBroadcast(event.Type) {
				continue
			}
			h.broadcast(WSFrame{
				Type:      string(event.Type),
				Payload:   event.Payload,
				Timestamp: event.Timestamp,
			})
		}
	}
}

// shouldBroadcast applies throttling to high-frequency event types. A
// throttled progress frame is simply dropped; the next one carries the
// cumulative count anyway.
func (h *WebSocketHandler) shouldBroadcast(eventType models.EventType) bool {
	if eventType == models.EventScraperProgress && h.progressThrottler != nil {
		if !h.progressThrottler.Allow() {
			h.logger.Debug().
				Str("event_type", string(eventType)).
				Msg("Event throttled - rate limit exceeded")
			return false
		}
	}
	return true
}

// heartbeatLoop broadcasts a heartbeat frame on the configured interval so
// clients can distinguish a quiet server from a dead connection
func (h *WebSocketHandler) heartbeatLoop() {
	interval := 30 * time.Second
	if h.config != nil && h.config.HeartbeatInterval > 0 {
		interval = h.config.HeartbeatInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.broadcast(WSFrame{Type: "heartbeat", Timestamp: time.Now()})
		}
	}
}

// broadcastBrokerState tells clients whether cross-instance live updates
// are currently flowing
func (h *WebSocketHandler) broadcastBrokerState(state interfaces.BrokerState) {
	frameType := "broker:unavailable"
	if state == interfaces.BrokerStateConnected {
		frameType = "broker:connected"
	}
	h.broadcast(WSFrame{Type: frameType, Timestamp: time.Now()})
}

// broadcast sends a frame to all connected clients
func (h *WebSocketHandler) broadcast(frame WSFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", frame.Type).Msg("Failed to marshal WebSocket frame")
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
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", frame.Type).Msg("Failed to send frame to client")
		}
	}
}

// sendToConn sends a frame to a single client connection
func (h *WebSocketHandler) sendToConn(conn *websocket.Conn, frame WSFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", frame.Type).Msg("Failed to marshal WebSocket frame")
		return
	}

	h.mu.RLock()
	mutex, ok := h.clientMutex[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Str("type", frame.Type).Msg("Failed to send frame to client")
	}
}

// ServerInstanceID exposes the restart-detection token
func (h *WebSocketHandler) ServerInstanceID() string {
	return h.serverInstanceID
}
