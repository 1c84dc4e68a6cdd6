// Package notify delivers job lifecycle events to WebSocket subscribers and
// circuit-breaker alerts to operators.
package notify

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/draftforge/genqueue/internal/job"
)

// Event is the wire format pushed to subscribers.
type Event struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Hub fans job events out to connected WebSocket clients. Delivery is
// fire-and-forget: a slow or dead client is dropped, never waited on.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// AddClient registers a connection and reads from it until it closes, so
// disconnects are noticed without a ping loop.
func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("websocket client connected, total=%d", count)

	go func() {
		defer h.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()

	if err := conn.Close(); err != nil {
		log.Printf("failed to close websocket connection: %v", err)
	}
	log.Printf("websocket client disconnected, total=%d", count)
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("failed to push event to websocket client: %v", err)
			go h.removeClient(conn)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) JobStatusUpdate(jobID string, status job.Status) {
	h.broadcast(Event{Type: "job_status_update", JobID: jobID, Status: string(status)})
}

func (h *Hub) JobCompleted(jobID, result string) {
	h.broadcast(Event{Type: "job_completed", JobID: jobID, Result: result})
}

func (h *Hub) JobFailed(jobID, errMsg string) {
	h.broadcast(Event{Type: "job_failed", JobID: jobID, Error: errMsg})
}
