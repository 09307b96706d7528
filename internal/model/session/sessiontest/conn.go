// Package sessiontest provides an in-memory Conn for tests.
package sessiontest

import (
	"encoding/json"
	"sync"
	"time"
)

// Conn records every JSON frame written to it.
type Conn struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    int
	closed   bool
	closeMsg []byte
	WriteErr error
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *Conn) WriteMessage(_ int, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.WriteErr
}

func (c *Conn) WriteControl(_ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeMsg = append([]byte(nil), data...)
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Frames decodes every recorded frame into a generic map.
func (c *Conn) Frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, raw := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}
