// Package client is the Go side of the chat protocol: a WebSocket connection
// that speaks frames, and the reconnection policy that keeps one alive.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-chat/internal/protocol"
)

const writeWait = 10 * time.Second

// Conn is one authenticated connection to the chat server.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens a connection to url (ws:// or wss://) and authenticates with
// token. Every call is a complete handshake; nothing is reused.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Send writes one frame. It is safe for concurrent use.
func (c *Conn) Send(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Receive blocks for the next frame. Only one goroutine may call it.
func (c *Conn) Receive() (protocol.Frame, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	var f protocol.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return protocol.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}
