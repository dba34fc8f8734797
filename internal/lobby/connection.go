// internal/lobby/connection.go
package lobby

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/mcrlobby/internal/protocol"
)

// DefaultBuffer is the outbound queue length of a connection.
const DefaultBuffer = 16

// Connection is a single user's live socket in a room, seen from the
// registry side: an outbound queue drained by the socket's write pump.
type Connection struct {
	RoomID  uuid.UUID
	UserID  uuid.UUID
	OutChan chan protocol.Response
	// Cancel stops the socket's read loop.
	Cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	overflowed  bool
	closeCode   websocket.StatusCode
	closeReason string
}

func NewConnection(roomID, userID uuid.UUID, buffer int, cancel context.CancelFunc) *Connection {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if cancel == nil {
		cancel = func() {}
	}
	return &Connection{
		RoomID:  roomID,
		UserID:  userID,
		OutChan: make(chan protocol.Response, buffer),
		Cancel:  cancel,
	}
}

type sendResult int

const (
	queued sendResult = iota
	queueFull
	queueClosed
)

// Send queues msg without blocking. It reports false when the queue is full
// or already closed.
func (c *Connection) Send(msg protocol.Response) bool {
	return c.offer(msg) == queued
}

func (c *Connection) offer(msg protocol.Response) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return queueClosed
	}
	select {
	case c.OutChan <- msg:
		return queued
	default:
		c.overflowed = true
		return queueFull
	}
}

// Overflowed reports whether the connection was evicted for falling behind.
func (c *Connection) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowed
}

// CloseWith closes the outbound queue once. The write pump flushes what is
// queued and then sends a close frame with code and reason. Later calls are
// no-ops and keep the first code.
func (c *Connection) CloseWith(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.OutChan)
}

// CloseStatus returns the code passed to CloseWith, or StatusNormalClosure.
func (c *Connection) CloseStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed || c.closeCode == 0 {
		return websocket.StatusNormalClosure, c.closeReason
	}
	return c.closeCode, c.closeReason
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
