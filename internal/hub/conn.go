package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beewhoo/roomcast/internal/auth"
)

// Conn is the per-connection state record owned by the gateway. Other
// components receive it by reference and never mutate it; room membership
// lives in the Hub's indices, not on the connection.
type Conn struct {
	ID          string
	Identity    *auth.Identity
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection record for an authenticated identity.
// Identity is fixed at construction; no handler ever observes a
// connection without one.
func NewConn(identity *auth.Identity, queueSize int) *Conn {
	return &Conn{
		ID:          uuid.NewString(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

// Send queues a payload for delivery without blocking. It reports false
// when the connection is closed or its queue is full; a full queue means
// the client is too slow and the caller decides whether to drop it.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Outbox is the queue the transport write pump drains.
func (c *Conn) Outbox() <-chan []byte {
	return c.send
}

// Done is closed when the connection is discarded.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection discarded. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
