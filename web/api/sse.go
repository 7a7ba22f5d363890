package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// EventVerificationProgress is the SSE event type of progress updates
const EventVerificationProgress = "verification-progress"

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type    string      `json:"type"`
	BatchID string      `json:"batchId,omitempty"`
	Data    interface{} `json:"data"`
}

// sseClient receives events, optionally only those of one batch
type sseClient struct {
	events chan SSEEvent
	batch  string
}

// SSEHub manages SSE connections
type SSEHub struct {
	clients    map[*sseClient]bool
	broadcast  chan SSEEvent
	register   chan *sseClient
	unregister chan *sseClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[*sseClient]bool),
		broadcast:  make(chan SSEEvent, 64),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		done:       make(chan struct{}),
	}
}

// Run starts the SSE hub and closes every client when ctx is done
func (h *SSEHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.events)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.batch != "" && client.batch != event.BatchID {
					continue
				}
				select {
				case client.events <- event:
				default:
					close(client.events)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all clients. It is a no-op once the hub
// stopped.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		client := &sseClient{events: make(chan SSEEvent, 16), batch: r.URL.Query().Get("batch")}
		select {
		case s.sseHub.register <- client:
		case <-s.sseHub.done:
			return
		case <-r.Context().Done():
			return
		}

		done := r.Context().Done()
		for {
			select {
			case <-done:
				go func() {
					select {
					case s.sseHub.unregister <- client:
					case <-s.sseHub.done:
					}
				}()
				// Drain until the hub closes the channel.
				for range client.events {
				}
				return
			case event, ok := <-client.events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
