package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024

	requestTimeout = 10 * time.Second
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
	acks   map[uint64]func()
	ackSeq atomic.Uint64

	// connected closes once the router has registered the connection.
	connected chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, id, userID string) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		acks:   make(map[uint64]func()),

		connected: make(chan struct{}),
	}
}

// enqueue hands data to the write pump. It reports false when the
// connection is closed or too far behind to accept more.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) write(f OutFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.hub.logger.Error("encode frame", "type", f.Type, "error", err)
		return false
	}
	return c.enqueue(data)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	// Pending callbacks are dropped; the router's timers take over.
	clear(c.acks)
}

func (c *Client) expectAck(fn func()) uint64 {
	id := c.ackSeq.Add(1)
	c.mu.Lock()
	if !c.closed {
		c.acks[id] = fn
	}
	c.mu.Unlock()
	return id
}

func (c *Client) takeAck(id uint64) func() {
	if id == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.acks[id]
	delete(c.acks, id)
	return fn
}

// ReadPump pumps frames from the websocket connection to the services.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read failed", "conn_id", c.ID, "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.logger.Debug("malformed frame", "conn_id", c.ID, "error", err)
			continue
		}
		if f.Type == TypeAck {
			if fn := c.takeAck(f.AckID); fn != nil {
				fn()
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.dispatch(ctx, f)
		cancel()
	}
}

// WritePump pumps frames from the hub to the websocket connection, one
// frame per websocket message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
