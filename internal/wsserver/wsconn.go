package wsserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crab.casa/debate-arena/internal/envelope"
)

// wsConn adapts a *websocket.Conn to transport.Conn (for bots) and
// broadcaster.Sink (for spectators); gorilla/websocket forbids
// concurrent writes from multiple goroutines, hence the mutex.
type wsConn struct {
	raw *websocket.Conn

	mu   sync.Mutex
	open bool
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{raw: raw, open: true}
}

// WriteEnvelope satisfies transport.Conn.
func (c *wsConn) WriteEnvelope(env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return websocket.ErrCloseSent
	}
	return c.raw.WriteJSON(env)
}

// Send satisfies broadcaster.Sink; spectator connections use the same
// underlying write path as bot connections.
func (c *wsConn) Send(env envelope.Envelope) error { return c.WriteEnvelope(env) }

// Close satisfies transport.Conn, sending a close frame with the given
// code/reason before tearing down the socket.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	_ = c.raw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return c.raw.Close()
}

// IsOpen satisfies transport.Conn.
func (c *wsConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
