package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/config"
)

// Conn is one open transport connection. Implementations must allow Close
// to be called more than once, and concurrently with ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport connections. The production implementation dials
// WebSocket; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsDialer dials gorilla WebSocket connections.
type wsDialer struct {
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
}

func newWSDialer(cfg *config.Config) *wsDialer {
	return &wsDialer{
		dialTimeout:    cfg.DialTimeout,
		writeTimeout:   cfg.WriteTimeout,
		maxMessageSize: cfg.MaxMessageSize,
	}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.maxMessageSize > 0 {
		ws.SetReadLimit(d.maxMessageSize)
	}
	return &wsConn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

// wsConn wraps a gorilla connection. Writes are serialized with a mutex:
// the run loop's heartbeats and caller sends may interleave.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
