package models

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketManager handles WebSocket connections and broadcasts progress
type WebSocketManager struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	logger     *slog.Logger
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(logger *slog.Logger) *WebSocketManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebSocketManager{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start runs the manager loop until ctx is cancelled
func (wsm *WebSocketManager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				wsm.closeAll()
				close(wsm.done)
				return
			case client := <-wsm.register:
				wsm.mu.Lock()
				wsm.clients[client] = true
				count := len(wsm.clients)
				wsm.mu.Unlock()
				wsm.logger.Debug("websocket client connected", "clients", count)
			case client := <-wsm.unregister:
				wsm.mu.Lock()
				if _, ok := wsm.clients[client]; ok {
					delete(wsm.clients, client)
					client.Close()
				}
				count := len(wsm.clients)
				wsm.mu.Unlock()
				wsm.logger.Debug("websocket client disconnected", "clients", count)
			case message := <-wsm.broadcast:
				wsm.mu.Lock()
				for client := range wsm.clients {
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						wsm.logger.Warn("websocket send failed", "error", err)
						client.Close()
						delete(wsm.clients, client)
					}
				}
				wsm.mu.Unlock()
			}
		}
	}()
}

func (wsm *WebSocketManager) closeAll() {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	for client := range wsm.clients {
		client.Close()
		delete(wsm.clients, client)
	}
}

// BroadcastProgress sends a progress update to all connected clients.
// Updates are dropped rather than blocking the pipeline when the buffer is full.
func (wsm *WebSocketManager) BroadcastProgress(record ProgressRecord) {
	update := map[string]interface{}{
		"type":      "progress_update",
		"task_id":   record.TaskID,
		"status":    record.Status,
		"progress":  record.Percent,
		"stage":     record.Stage,
		"timestamp": record.UpdatedAt,
	}
	if record.Status == ProgressFailed && record.Error != "" {
		update["error"] = record.Error
	}
	wsm.send(update)
}

// BroadcastJobUpdate sends a queue job update to all connected clients
func (wsm *WebSocketManager) BroadcastJobUpdate(job *SeparationJob) {
	update := map[string]interface{}{
		"type":      "job_update",
		"job_id":    job.ID,
		"status":    job.Status,
		"timestamp": job.UpdatedAt,
	}
	if job.Status == StatusFailed && job.ErrorMessage != "" {
		update["error"] = job.ErrorMessage
	}
	wsm.send(update)
}

func (wsm *WebSocketManager) send(update map[string]interface{}) {
	jsonData, err := json.Marshal(update)
	if err != nil {
		wsm.logger.Warn("failed to marshal websocket update", "error", err)
		return
	}
	select {
	case wsm.broadcast <- jsonData:
	default:
		wsm.logger.Debug("websocket broadcast buffer full, dropping update")
	}
}

// RegisterClient registers a new WebSocket client. After the manager has
// stopped the connection is closed instead.
func (wsm *WebSocketManager) RegisterClient(conn *websocket.Conn) {
	select {
	case wsm.register <- conn:
	case <-wsm.done:
		conn.Close()
	}
}

// UnregisterClient unregisters a WebSocket client
func (wsm *WebSocketManager) UnregisterClient(conn *websocket.Conn) {
	select {
	case wsm.unregister <- conn:
	case <-wsm.done:
	}
}

// Done is closed once the manager loop has exited.
func (wsm *WebSocketManager) Done() <-chan struct{} {
	return wsm.done
}

// ClientCount reports connected clients.
func (wsm *WebSocketManager) ClientCount() int {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	return len(wsm.clients)
}
