package ws

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Hub tracks the live connections of this node, keyed by user. A user may
// hold several connections at once.
type Hub struct {
	// clients maps userID → connections.
	clients map[uuid.UUID]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	deliver    chan *delivery
	count      chan chan int

	done chan struct{}
	log  *slog.Logger
}

type delivery struct {
	userID uuid.UUID
	data   []byte
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan *delivery, 256),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the Hub's main event loop. Call this in a goroutine. When ctx
// ends every connection is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.log.Debug("ws hub: connection registered", "user", client.userID, "connections", len(set))

		case client := <-h.unregister:
			h.remove(client)

		case d := <-h.deliver:
			for client := range h.clients[d.userID] {
				if !client.deliver(d.data) {
					// Client buffer full - disconnect
					h.log.Warn("ws hub: dropping slow connection", "user", d.userID)
					h.remove(client)
					client.shutdown()
				}
			}

		case reply := <-h.count:
			n := 0
			for _, set := range h.clients {
				n += len(set)
			}
			reply <- n

		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					client.shutdown()
				}
			}
			h.clients = make(map[uuid.UUID]map[*Client]struct{})
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	h.log.Debug("ws hub: connection removed", "user", client.userID, "connections", len(set))
}

// Register adds client. It reports false when the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// DeliverToUser queues data for every connection userID has on this node.
func (h *Hub) DeliverToUser(ctx context.Context, userID uuid.UUID, data []byte) error {
	select {
	case h.deliver <- &delivery{userID: userID, data: data}:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}
