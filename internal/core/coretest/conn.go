// Package coretest provides an in-memory SignalConnection for tests.
package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Whisper/internal/core"
)

type Conn struct {
	id  core.ConnID
	cap int

	mu        sync.Mutex
	frames    []core.Frame
	closed    bool
	closeCode int
}

// NewConn returns a connection whose queue accepts up to capacity frames; 0 means unbounded.
func NewConn(id string, capacity int) *Conn {
	return &Conn{id: core.ConnID(id), cap: capacity}
}

func (c *Conn) ID() core.ConnID { return c.id }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.cap > 0 && len(c.frames) >= c.cap {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() { c.CloseWith(core.CloseNormal, "") }

func (c *Conn) CloseWith(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Envelopes decodes every frame received so far.
func (c *Conn) Envelopes() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// OfType returns received envelopes whose "type" equals typ.
func (c *Conn) OfType(typ string) []map[string]any {
	var out []map[string]any
	for _, e := range c.Envelopes() {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent envelope of the given type.
func (c *Conn) Last(typ string) (map[string]any, bool) {
	all := c.OfType(typ)
	if len(all) == 0 {
		return nil, false
	}
	return all[len(all)-1], true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
