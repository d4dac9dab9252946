package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/hochfrequenz/cascade/internal/events"
)

// Hub fans live events out to SSE and websocket clients. A client that
// cannot keep up is dropped.
type Hub struct {
	clients    map[chan events.Event]bool
	broadcast  chan events.Event
	register   chan chan events.Event
	unregister chan chan events.Event
	done       chan struct{}
	mu         sync.RWMutex
}

// clientBuffer is the per-client channel size
const clientBuffer = 64

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan events.Event]bool),
		broadcast:  make(chan events.Event),
		register:   make(chan chan events.Event),
		unregister: make(chan chan events.Event),
		done:       make(chan struct{}),
	}
}

// Run starts the hub and returns when ctx ends, closing every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all clients
func (h *Hub) Broadcast(event events.Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Subscribe registers a new client channel. It returns nil once the hub has stopped.
func (h *Hub) Subscribe() chan events.Event {
	client := make(chan events.Event, clientBuffer)
	select {
	case h.register <- client:
		return client
	case <-h.done:
		return nil
	}
}

// Unsubscribe removes a client and closes its channel
func (h *Hub) Unsubscribe(client chan events.Event) {
	if client == nil {
		return
	}
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sinceParam reads the replay cursor from ?since= or the Last-Event-ID header
func sinceParam(r *http.Request) uint64 {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	n, _ := strconv.ParseUint(raw, 10, 64)
	return n
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "no live run")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		client := s.hub.Subscribe()
		if client == nil {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)

		// Cleanup on disconnect
		go func() {
			<-r.Context().Done()
			s.hub.Unsubscribe(client)
		}()

		last := sinceParam(r)
		for _, e := range s.bus.Since(last) {
			writeSSE(w, e)
			last = e.Seq
		}
		flusher.Flush()

		for e := range client {
			if e.Seq <= last {
				continue
			}
			writeSSE(w, e)
			last = e.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "id: %d\n", e.Seq)
	fmt.Fprintf(w, "event: %s\n", e.Kind)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
