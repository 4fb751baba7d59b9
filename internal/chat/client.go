package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-chat/internal/session"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 16 * 1024           // Maximum frame size allowed from peer.

	DefaultSendBuffer = 256
)

// Client is a middleman between the websocket connection and the gateway.
// It implements session.Conn.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	session *session.Session
	log     *zap.Logger

	mu     sync.Mutex
	send   chan []byte // Buffered channel of outbound frames.
	closed bool
}

func newClient(g *Gateway, conn *websocket.Conn, buffer int, log *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, buffer),
		log:     log,
	}
}

// Deliver queues frame without blocking. A client whose buffer is full is a
// slow consumer: its socket is closed, which ends the read pump and runs the
// normal disconnect path.
func (c *Client) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("slow consumer, closing connection")
		c.closed = true
		close(c.send)
		_ = c.conn.Close()
		return false
	}
}

// Close stops delivery; the write pump flushes a close frame and exits.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump pumps frames from the websocket connection to the gateway.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		// Cleanup: whatever ended the loop, leave through the gateway
		c.gateway.Disconnect(c.session)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Heartbeat logic (Keep-Alive)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("connection lost", zap.Error(err))
			}
			return
		}
		c.gateway.Route(ctx, c.session, message)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
// Every frame is its own websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Delivery was closed.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
