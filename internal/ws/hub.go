package ws

import (
	"context"
	"errors"
	"log/slog"

	"github.com/manpreetbhatti/memecraft/backend/internal/collab"
)

// Hub serializes every socket event through one loop: registration,
// unregistration and inbound frames reach the collaboration service in
// arrival order.
type Hub struct {
	service *collab.Service

	// Live clients by connection id. Only touched by Run.
	clients map[string]*Client

	// Inbound frames from clients
	inbound chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns, so pumps never block on a dead hub.
	done chan struct{}

	logger *slog.Logger
}

type Message struct {
	Client *Client
	Data   []byte
}

func NewHub(service *collab.Service, logger *slog.Logger) *Hub {
	return &Hub{
		service:    service,
		clients:    make(map[string]*Client),
		inbound:    make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "hub")),
	}
}

// Run processes hub events until ctx is cancelled. On shutdown every open
// client is disconnected through the normal lifecycle path.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for id, client := range h.clients {
				h.drop(id, client)
			}
			h.logger.Info("hub stopped")
			return nil

		case client := <-h.register:
			h.clients[client.id] = client
			h.service.Lifecycle.OnConnect(client)

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				h.drop(client.id, client)
			}

		case msg := <-h.inbound:
			if _, ok := h.clients[msg.Client.id]; !ok {
				continue
			}
			err := h.service.Router.Dispatch(ctx, msg.Client.id, msg.Data)
			if err != nil && !collab.IsValidation(err) && !errors.Is(err, context.Canceled) {
				h.logger.Error("dispatch failed", slog.String("connID", msg.Client.id), slog.Any("error", err))
			}
		}
	}
}

func (h *Hub) drop(id string, client *Client) {
	delete(h.clients, id)
	h.service.Lifecycle.OnDisconnect(id)
	client.close()
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
