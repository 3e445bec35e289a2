package fakeserver

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Hub maintains the set of active clients and routes messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan BroadcastMessage
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan BroadcastMessage),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			delete(h.clients, client)
			close(client.Send)
		}
		h.count.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.Register:
			h.clients[client] = true
			h.count.Add(1)

		case client := <-h.Unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !msg.reaches(client) {
					continue
				}
				select {
				case client.Send <- msg.Payload:
				default:
					h.logger.Warn("client send buffer full, dropping client", "user_id", client.UserID)
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
		h.count.Add(-1)
	}
}

// Deliver hands msg to the hub. It gives up once the hub has stopped.
func (h *Hub) Deliver(msg BroadcastMessage) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// Connections is the number of registered clients.
func (h *Hub) Connections() int {
	return int(h.count.Load())
}
