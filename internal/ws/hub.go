package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"chat-relay/internal/chat"
	"chat-relay/internal/delivery"
	"chat-relay/internal/presence"
	"chat-relay/internal/user"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var ErrConnectionClosed = errors.New("connection closed")

// Services are the operations clients can reach over the socket.
type Services struct {
	Router    *delivery.Router
	Directory *chat.Directory
	Archive   *chat.Archive
	Users     *user.Service
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // by connection id

	broadcast  chan []byte  // presence -> every client
	Register   chan *Client // new connection
	Unregister chan *Client // connection gone
	done       chan struct{}

	services Services
	logger   *slog.Logger
	active   metric.Int64UpDownCounter
}

func NewHub(services Services, logger *slog.Logger) *Hub {
	active, _ := otel.Meter("chat-relay/ws").Int64UpDownCounter("chat_ws_connections",
		metric.WithDescription("Open websocket connections"))
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		services:   services,
		logger:     logger.With("component", "ws_hub"),
		active:     active,
	}
}

// Run owns connection lifecycle until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.active.Add(ctx, 1)

			client.write(OutFrame{Type: TypeConnected, Payload: ConnectedPayload{
				ConnectionID: client.ID,
				UserID:       client.UserID,
			}})
			go func() {
				defer close(client.connected)
				h.services.Router.Connect(context.WithoutCancel(ctx), client.UserID, client.ID)
			}()

		case client := <-h.Unregister:
			h.mu.Lock()
			_, ok := h.clients[client.ID]
			delete(h.clients, client.ID)
			h.mu.Unlock()
			if ok {
				client.close()
				h.active.Add(ctx, -1)
				// Disconnect must not overtake Connect or the registry
				// keeps a dead connection.
				go func() {
					<-client.connected
					h.services.Router.Disconnect(context.WithoutCancel(ctx), client.ID)
				}()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				client.enqueue(message)
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// SubscribePresence forwards presence events from every instance to the
// clients connected here.
func (h *Hub) SubscribePresence(ctx context.Context, store presence.Store) {
	for e := range store.Subscribe(ctx) {
		data, err := json.Marshal(OutFrame{Type: TypePresence, Payload: e})
		if err != nil {
			continue
		}
		select {
		case h.broadcast <- data:
		case <-ctx.Done():
			return
		}
	}
}

// Emit implements delivery.Transport.
func (h *Hub) Emit(connID, event string, payload any, onAck func()) error {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}

	var ackID uint64
	if onAck != nil {
		ackID = client.expectAck(onAck)
	}
	data, err := json.Marshal(OutFrame{Type: event, AckID: ackID, Payload: payload})
	if err != nil {
		client.takeAck(ackID)
		return err
	}
	if !client.enqueue(data) {
		client.takeAck(ackID)
		return ErrConnectionClosed
	}
	return nil
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}
