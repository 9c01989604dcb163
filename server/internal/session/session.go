package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaycast/relaycast/pkg/types"
)

// ErrAuthorizationDenied is returned by Subscribe when the policy refuses the topic.
var ErrAuthorizationDenied = errors.New("session: authorization denied")

// State is a channel session state.
type State int

const (
	StateUnsubscribed State = iota
	StatePending
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StatePending:
		return "pending"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Authorizer decides whether identity may subscribe to topic.
type Authorizer interface {
	Authorize(ctx context.Context, identity types.Identity, topic types.Topic) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, identity types.Identity, topic types.Topic) (bool, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, identity types.Identity, topic types.Topic) (bool, error) {
	return f(ctx, identity, topic)
}

// Subscriptions is the slice of the subscription table a session mutates.
type Subscriptions interface {
	Subscribe(conn types.ConnID, topic types.Topic) bool
	Unsubscribe(conn types.ConnID, topic types.Topic) bool
}

// Notifier delivers a notification to the session's client. It may be called
// with the session lock held, so it must not block or call back into the
// session.
type Notifier func(types.Notification) error

// Config wires a Session to its collaborators.
type Config struct {
	Conn       types.ConnID
	Identity   types.Identity
	Topic      types.Topic
	Table      Subscriptions
	Authorizer Authorizer
	Notify     Notifier
}

// Session is the subscribe/unsubscribe lifecycle of one connection on one topic.
type Session struct {
	cfg Config

	mu    sync.Mutex
	state State
	done  bool
}

// New creates a session in state Unsubscribed.
func New(cfg Config) *Session {
	return &Session{cfg: cfg}
}

// Topic returns the session's topic.
func (s *Session) Topic() types.Topic { return s.cfg.Topic }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done reports whether the session has finished and should be discarded.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Subscribe requests the topic. Calling it while Pending or Subscribed is a
// no-op. A denial returns ErrAuthorizationDenied after the client has been
// sent a rejected notification.
func (s *Session) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.done || s.state != StateUnsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.state = StatePending
	s.mu.Unlock()

	allowed, err := s.cfg.Authorizer.Authorize(ctx, s.cfg.Identity, s.cfg.Topic)
	if err != nil {
		slog.Warn("session: authorizer failed, denying",
			"conn", s.cfg.Conn,
			"topic", s.cfg.Topic,
			"err", err,
		)
		allowed = false
	}

	s.mu.Lock()
	if s.state != StatePending {
		// Unsubscribed or closed while the policy was running.
		s.mu.Unlock()
		return nil
	}
	if !allowed {
		s.state = StateUnsubscribed
		s.done = true
		s.mu.Unlock()

		s.notify(types.Notification{Type: types.TypeRejected, Topic: s.cfg.Topic, Reason: "unauthorized"})
		return fmt.Errorf("%w: %q", ErrAuthorizationDenied, s.cfg.Topic)
	}
	// connected must be queued before the table entry exists so no
	// broadcast can overtake it. notify does not block.
	s.notify(types.Notification{Type: types.TypeConnected, Topic: s.cfg.Topic})
	s.cfg.Table.Subscribe(s.cfg.Conn, s.cfg.Topic)
	s.state = StateSubscribed
	s.mu.Unlock()
	return nil
}

// Unsubscribe leaves the topic. From Pending it cancels the outstanding
// request without notifying; from Unsubscribed it does nothing.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	prev := s.state
	if prev == StateSubscribed {
		s.cfg.Table.Unsubscribe(s.cfg.Conn, s.cfg.Topic)
	}
	if prev != StateUnsubscribed {
		s.state = StateUnsubscribed
		s.done = true
	}
	s.mu.Unlock()

	if prev == StateSubscribed {
		s.notify(types.Notification{Type: types.TypeDisconnected, Topic: s.cfg.Topic})
	}
}

// Close ends the session because the connection went away. The subscription
// table entry is removed by the registry, so Close only updates local state.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateUnsubscribed
	s.done = true
	s.mu.Unlock()
}

func (s *Session) notify(n types.Notification) {
	if s.cfg.Notify == nil {
		return
	}
	if err := s.cfg.Notify(n); err != nil {
		slog.Debug("session: notify failed",
			"conn", s.cfg.Conn,
			"topic", s.cfg.Topic,
			"type", n.Type,
			"err", err,
		)
	}
}
