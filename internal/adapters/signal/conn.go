package signal

import (
	"sync"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WsSignalConn is the gorilla implementation of core.SignalConnection.
// Only the write pump writes data frames; Close hands it the close status.
type WsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
	code   int
	reason string
}

func newConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		id:   core.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, buffer),
		code: core.CloseNormal,
	}
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() { c.CloseWith(core.CloseNormal, "") }

// CloseWith stops accepting frames. Frames already queued are flushed before
// the close message carrying code and reason.
func (c *WsSignalConn) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.code, c.reason = code, reason
	close(c.send)
}

func (c *WsSignalConn) closeStatus() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code, c.reason
}
