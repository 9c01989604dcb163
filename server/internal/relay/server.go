package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/auth"
	"github.com/relaycast/relaycast/server/internal/dispatch"
	"github.com/relaycast/relaycast/server/internal/registry"
	"github.com/relaycast/relaycast/server/internal/session"
	"github.com/relaycast/relaycast/server/internal/subscription"
)

var (
	// ErrHandshakeFailure is returned by Accept when the client's identity
	// cannot be resolved.
	ErrHandshakeFailure = errors.New("relay: handshake failed")
	// ErrServerClosed is returned by Accept after Shutdown.
	ErrServerClosed = errors.New("relay: server closed")
	// ErrUnknownConnection means the connection id is not (or no longer) registered.
	ErrUnknownConnection = errors.New("relay: unknown connection")
	// ErrUnknownAction means a control frame carried an action other than
	// subscribe or unsubscribe.
	ErrUnknownAction = errors.New("relay: unknown action")
	// ErrInvalidTopic means a control frame named an empty or malformed topic.
	ErrInvalidTopic = errors.New("relay: invalid topic")
)

// Rejecter is implemented by transports that can tell the client why its
// handshake was refused before the transport is closed.
type Rejecter interface {
	Reject(reason string) error
}

// Options configures a Server.
type Options struct {
	// Resolver resolves client identity at handshake. Required.
	Resolver auth.Resolver
	// Authorizer decides topic subscriptions. Required.
	Authorizer session.Authorizer
	// QueueSize bounds each connection's outbound queue
	// (default registry.DefaultQueueSize).
	QueueSize int
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections         int    `json:"connections"`
	Topics              int    `json:"topics"`
	Subscriptions       int    `json:"subscriptions"`
	Published           uint64 `json:"published"`
	Delivered           uint64 `json:"delivered"`
	SendFailures        uint64 `json:"send_failures"`
	RejectedHandshakes  uint64 `json:"rejected_handshakes"`
	DeniedSubscriptions uint64 `json:"denied_subscriptions"`
}

// Server coordinates connections, sessions, subscriptions and broadcasts.
type Server struct {
	resolver   auth.Resolver
	authorizer session.Authorizer

	table      *subscription.Table
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher

	mu     sync.RWMutex
	peers  map[types.ConnID]*peer
	closed bool

	rejected atomic.Uint64
	denied   atomic.Uint64
}

// peer holds the sessions of one accepted connection.
type peer struct {
	conn *registry.Connection

	mu       sync.Mutex
	closed   bool
	sessions map[types.Topic]*session.Session
}

// New returns a Server ready to accept connections.
func New(opts Options) *Server {
	s := &Server{
		resolver:   opts.Resolver,
		authorizer: opts.Authorizer,
		table:      subscription.New(),
		peers:      make(map[types.ConnID]*peer),
	}
	s.registry = registry.New(opts.QueueSize, func(id types.ConnID) {
		s.table.RemoveConnection(id)
	})
	s.dispatcher = dispatch.New(s.table, s.registry)
	return s
}

// Accept runs the handshake for a freshly opened transport. On success the
// connection is registered, a welcome notification carrying its id is queued
// and the connection is returned. On failure t is rejected and closed and no
// connection record exists.
func (s *Server) Accept(ctx context.Context, md auth.Metadata, t registry.Transport) (*registry.Connection, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		rejectTransport(t, "server shutting down")
		return nil, ErrServerClosed
	}

	identity, err := s.resolver.Resolve(ctx, md)
	if err == nil && identity == "" {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		s.rejected.Add(1)
		slog.Info("relay: handshake rejected",
			"remote", md.RemoteAddr,
			"err", err,
		)
		rejectTransport(t, "unauthorized")
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailure, err)
	}

	c := s.registry.NewConnection(identity, t)
	p := &peer{conn: c, sessions: make(map[types.Topic]*session.Session)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rejectTransport(t, "server shutting down")
		return nil, ErrServerClosed
	}
	// Register under s.mu so a concurrent Shutdown either refuses this
	// connection or sees it in peers and removes it from the registry.
	id := s.registry.Register(c)
	s.peers[id] = p
	s.mu.Unlock()

	welcome, _ := json.Marshal(struct {
		Conn     types.ConnID   `json:"conn"`
		Identity types.Identity `json:"identity"`
	}{id, identity})
	if err := s.registry.Send(id, types.Notification{Type: types.TypeWelcome, Payload: welcome}); err != nil {
		slog.Debug("relay: welcome not queued", "conn", id, "err", err)
	}

	slog.Info("relay: connection accepted",
		"conn", id,
		"identity", identity,
		"remote", md.RemoteAddr,
	)
	return c, nil
}

// HandleControlFrame routes one client control frame. A subscribe creates
// the (connection, topic) session on first reference and blocks while the
// authorizer runs; it returns session.ErrAuthorizationDenied (wrapped) when
// refused. Subscribing twice, or unsubscribing from a topic never
// subscribed, is a no-op.
func (s *Server) HandleControlFrame(ctx context.Context, id types.ConnID, f types.ControlFrame) error {
	switch f.Action {
	case types.ActionSubscribe, types.ActionUnsubscribe:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, f.Action)
	}
	if !f.Topic.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, f.Topic)
	}

	s.mu.RLock()
	p, ok := s.peers[id]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	if f.Action == types.ActionUnsubscribe {
		p.mu.Lock()
		sess := p.sessions[f.Topic]
		delete(p.sessions, f.Topic)
		p.mu.Unlock()
		if sess != nil {
			sess.Unsubscribe()
		}
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrUnknownConnection
	}
	sess := p.sessions[f.Topic]
	if sess == nil || sess.Done() {
		sess = session.New(session.Config{
			Conn:       id,
			Identity:   p.conn.Identity(),
			Topic:      f.Topic,
			Table:      s.table,
			Authorizer: s.authorizer,
			Notify: func(n types.Notification) error {
				return s.registry.Send(id, n)
			},
		})
		p.sessions[f.Topic] = sess
	}
	p.mu.Unlock()

	err := sess.Subscribe(ctx)
	if errors.Is(err, session.ErrAuthorizationDenied) {
		s.denied.Add(1)
		slog.Info("relay: subscription denied",
			"conn", id,
			"identity", p.conn.Identity(),
			"topic", f.Topic,
		)
		p.mu.Lock()
		if p.sessions[f.Topic] == sess {
			delete(p.sessions, f.Topic)
		}
		p.mu.Unlock()
	}
	return err
}

// Publish fans payload out to every current subscriber of topic and reports
// the outcome. Delivery is best effort and never retried. A payload that is
// not valid JSON is delivered as a JSON string; an empty payload as null.
func (s *Server) Publish(ctx context.Context, topic types.Topic, payload []byte) dispatch.DeliveryReport {
	raw := normalizePayload(payload)
	report := s.dispatcher.Publish(topic, raw)
	if report.Failed() > 0 {
		slog.Warn("relay: broadcast partially failed",
			"topic", topic,
			"subscribers", report.Subscribers,
			"failed", report.Failed(),
		)
	} else {
		slog.Debug("relay: broadcast",
			"topic", topic,
			"subscribers", report.Subscribers,
		)
	}
	return report
}

// Notify queues n on one connection's outbound queue. The transport layer
// uses it to report malformed frames back to the client.
func (s *Server) Notify(id types.ConnID, n types.Notification) error {
	return s.registry.Send(id, n)
}

// Disconnect closes every session of the connection, removes its
// subscriptions and closes its transport. It reports whether the connection
// was known; calling it again is a no-op.
func (s *Server) Disconnect(id types.ConnID) bool {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.registry.Remove(id)

	slog.Info("relay: connection closed", "conn", id, "identity", p.conn.Identity())
	return true
}

// Shutdown refuses new connections and disconnects every open one.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ids := make([]types.ConnID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Disconnect(id)
	}
	slog.Info("relay: shut down", "closed", len(ids))
}

// Connection returns the registered connection with the given id.
func (s *Server) Connection(id types.ConnID) (*registry.Connection, bool) {
	return s.registry.Get(id)
}

// SubscribersOf returns the connections currently subscribed to topic.
func (s *Server) SubscribersOf(topic types.Topic) []types.ConnID {
	return s.table.SubscribersOf(topic)
}

// TopicsOf returns the topics the connection is currently subscribed to.
func (s *Server) TopicsOf(id types.ConnID) []types.Topic {
	return s.table.TopicsOf(id)
}

// Topics returns every live topic with its subscriber count.
func (s *Server) Topics() map[types.Topic]int {
	return s.table.Topics()
}

// Stats returns current gauges and lifetime counters.
func (s *Server) Stats() Stats {
	c := s.dispatcher.Counters()
	return Stats{
		Connections:         s.registry.Count(),
		Topics:              s.table.TopicCount(),
		Subscriptions:       s.table.Len(),
		Published:           c.Published,
		Delivered:           c.Delivered,
		SendFailures:        c.Failed,
		RejectedHandshakes:  s.rejected.Load(),
		DeniedSubscriptions: s.denied.Load(),
	}
}

func normalizePayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func rejectTransport(t registry.Transport, reason string) {
	if t == nil {
		return
	}
	if r, ok := t.(Rejecter); ok {
		if err := r.Reject(reason); err != nil {
			slog.Debug("relay: reject transport", "err", err)
		}
	}
	if err := t.Close(); err != nil {
		slog.Debug("relay: close rejected transport", "err", err)
	}
}
