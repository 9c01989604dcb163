package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycast/relaycast/pkg/types"
)

// State is the liveness state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the network handle behind a connection. The registry owns it
// exclusively once the connection is created and closes it on removal.
type Transport interface {
	Close() error
}

// Connection is one authenticated client.
type Connection struct {
	id          types.ConnID
	identity    types.Identity
	transport   Transport
	connectedAt time.Time

	state atomic.Int32

	mu     sync.RWMutex // guards closed and sends on send
	closed bool
	send   chan types.Notification
	done   chan struct{}
}

func newConnection(id types.ConnID, identity types.Identity, t Transport, queueSize int) *Connection {
	return &Connection{
		id:          id,
		identity:    identity,
		transport:   t,
		connectedAt: time.Now(),
		send:        make(chan types.Notification, queueSize),
		done:        make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() types.ConnID { return c.id }

// Identity returns the identity resolved at handshake.
func (c *Connection) Identity() types.Identity { return c.identity }

// ConnectedAt returns when the connection was created.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// State returns the current liveness state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// Outbound is drained by the transport writer. It is closed when the
// connection is removed.
func (c *Connection) Outbound() <-chan types.Notification { return c.send }

// Done is closed when the connection is removed from the registry.
func (c *Connection) Done() <-chan struct{} { return c.done }

// QueueLen returns the number of notifications waiting to be written.
func (c *Connection) QueueLen() int { return len(c.send) }

// enqueue places n on the outbound queue without blocking.
func (c *Connection) enqueue(n types.Notification) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- n:
		return nil
	default:
		return ErrBackpressure
	}
}

// shutdown closes the outbound queue exactly once.
func (c *Connection) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	close(c.done)
	return true
}
