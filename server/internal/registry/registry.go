package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycast/relaycast/pkg/types"
)

// DefaultQueueSize is the per-connection outbound queue depth used when New
// is given a non-positive size.
const DefaultQueueSize = 64

var (
	// ErrSendFailed is the umbrella error for any per-connection delivery failure.
	ErrSendFailed = errors.New("registry: send failed")

	// ErrClosed means the connection is unknown, closing or closed.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrSendFailed)

	// ErrBackpressure means the connection's outbound queue is full.
	ErrBackpressure = fmt.Errorf("%w: outbound queue full", ErrSendFailed)
)

// Registry is the set of live connections. It is safe for concurrent use.
type Registry struct {
	queueSize int
	onRemove  func(types.ConnID)

	mu    sync.RWMutex
	conns map[types.ConnID]*Connection
}

// New creates a Registry. onRemove, if non-nil, is called once for every
// removed connection after it leaves the live set and before its queue and
// transport are closed.
func New(queueSize int, onRemove func(types.ConnID)) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		queueSize: queueSize,
		onRemove:  onRemove,
		conns:     make(map[types.ConnID]*Connection),
	}
}

// NewConnection creates a Connection in state Connecting with a fresh ID. It
// is not visible to Send until Register is called.
func (r *Registry) NewConnection(identity types.Identity, t Transport) *Connection {
	return newConnection(types.ConnID(uuid.NewString()), identity, t, r.queueSize)
}

// Register adds c to the live set and marks it Open.
func (r *Registry) Register(c *Connection) types.ConnID {
	r.mu.Lock()
	r.conns[c.id] = c
	n := len(r.conns)
	r.mu.Unlock()

	c.setState(StateOpen)
	slog.Debug("registry: connection registered",
		"conn", c.id,
		"identity", c.identity,
		"connections", n,
	)
	return c.id
}

// Remove takes the connection out of the live set, purges its subscriptions
// through the onRemove hook, closes its queue and its transport. It reports
// false if id was not registered.
func (r *Registry) Remove(id types.ConnID) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	n := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}

	c.setState(StateClosing)
	if r.onRemove != nil {
		r.onRemove(id)
	}
	c.shutdown()
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			slog.Debug("registry: transport close", "conn", id, "err", err)
		}
	}
	c.setState(StateClosed)

	slog.Debug("registry: connection removed", "conn", id, "connections", n)
	return true
}

// Send enqueues n for delivery to id. It never blocks.
func (r *Registry) Send(id types.ConnID, n types.Notification) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ErrClosed
	}
	return c.enqueue(n)
}

// Get returns the live connection with the given id.
func (r *Registry) Get(id types.ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll removes every live connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]types.ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}
