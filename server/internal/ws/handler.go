package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/auth"
	"github.com/relaycast/relaycast/server/internal/registry"
	"github.com/relaycast/relaycast/server/internal/relay"
	"github.com/relaycast/relaycast/server/internal/session"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// maxMalformed is how many undecodable control frames a client may send
	// before it is disconnected.
	maxMalformed = 5

	defaultPongWait      = 60 * time.Second
	defaultMaxFrameBytes = 4096
)

// Options configures the websocket endpoint.
type Options struct {
	// CookieName and QueryParam name where the client credential is read from.
	CookieName string
	QueryParam string

	// MaxFrameBytes is the largest inbound frame; larger frames close the connection.
	MaxFrameBytes int64

	// ControlRate and ControlBurst bound inbound control frames per connection.
	// A client exceeding them is disconnected. Zero disables the limit.
	ControlRate  float64
	ControlBurst int

	// PongWait is how long to wait for a pong before treating the connection
	// as dead. PingPeriod must be shorter; it defaults to 9/10 of PongWait.
	PongWait   time.Duration
	PingPeriod time.Duration

	// AllowedOrigins restricts the Origin header of browser clients.
	// Empty allows any origin. Requests without an Origin header are allowed.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to websocket connections served by a relay.Server.
type Handler struct {
	relay    *relay.Server
	opts     Options
	upgrader websocket.Upgrader
}

// New returns a Handler serving srv.
func New(srv *relay.Server, opts Options) *Handler {
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	h := &Handler{relay: srv, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP upgrades the connection, runs the relay handshake and serves the
// client until either side closes. The handshake runs after the upgrade so
// that a rejected client receives a close frame carrying the reason.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	md := Metadata(r, h.opts.CookieName, h.opts.QueryParam)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	t := &transport{conn: conn}
	c, err := h.relay.Accept(r.Context(), md, t)
	if err != nil {
		// Accept has already rejected and closed the transport.
		return
	}
	defer h.relay.Disconnect(c.ID())

	go h.writePump(t, c)
	h.readPump(r, t, c) // blocks until the connection closes
}

// Metadata extracts the handshake metadata from r. The credential is taken
// from the cookie, then the query parameter, then an
// "Authorization: Bearer" header.
func Metadata(r *http.Request, cookieName, queryParam string) auth.Metadata {
	md := auth.Metadata{
		RemoteAddr: r.RemoteAddr,
		Origin:     r.Header.Get("Origin"),
	}
	if cookieName != "" {
		if ck, err := r.Cookie(cookieName); err == nil && ck.Value != "" {
			md.Token = ck.Value
			return md
		}
	}
	if queryParam != "" {
		if v := r.URL.Query().Get(queryParam); v != "" {
			md.Token = v
			return md
		}
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		md.Token = strings.TrimSpace(v)
	}
	return md
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	slog.Warn("ws: origin refused", "origin", origin, "remote", r.RemoteAddr)
	return false
}

// writePump drains the connection's outbound queue and forwards notifications
// to the websocket. It also sends periodic ping frames. It is the only
// goroutine writing data frames to the connection.
func (h *Handler) writePump(t *transport, c *registry.Connection) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		t.Close() //nolint:errcheck
	}()

	for {
		select {
		case n, ok := <-c.Outbound():
			if !ok {
				// Queue closed: the relay removed this connection.
				return
			}
			msg, err := json.Marshal(n)
			if err != nil {
				slog.Error("ws: encode notification", "conn", c.ID(), "err", err)
				continue
			}
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes control frames and hands them to the relay in order.
// Blocks until the connection closes or the client misbehaves.
func (h *Handler) readPump(r *http.Request, t *transport, c *registry.Connection) {
	conn := t.conn
	conn.SetReadLimit(h.opts.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	var limiter *rate.Limiter
	if h.opts.ControlRate > 0 && h.opts.ControlBurst > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.ControlRate), h.opts.ControlBurst)
	}

	malformed := 0
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws: read", "conn", c.ID(), "err", err)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			slog.Warn("ws: control frame rate exceeded, closing", "conn", c.ID())
			t.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var f types.ControlFrame
		if kind != websocket.TextMessage || json.Unmarshal(data, &f) != nil {
			malformed++
			h.notifyError(c.ID(), "", "malformed control frame")
			if malformed >= maxMalformed {
				slog.Warn("ws: too many malformed frames, closing", "conn", c.ID())
				t.closeWith(websocket.CloseUnsupportedData, "malformed control frames")
				return
			}
			continue
		}

		err = h.relay.HandleControlFrame(r.Context(), c.ID(), f)
		switch {
		case err == nil, errors.Is(err, session.ErrAuthorizationDenied):
			// The session has already notified the client.
		case errors.Is(err, relay.ErrUnknownConnection):
			return
		default:
			h.notifyError(c.ID(), f.Topic, err.Error())
		}
	}
}

func (h *Handler) notifyError(id types.ConnID, topic types.Topic, reason string) {
	n := types.Notification{Type: types.TypeError, Topic: topic, Reason: reason}
	if err := h.relay.Notify(id, n); err != nil {
		slog.Debug("ws: error notification dropped", "conn", id, "err", err)
	}
}

// transport adapts a gorilla connection to registry.Transport and relay.Rejecter.
type transport struct {
	conn *websocket.Conn
	once sync.Once
	err  error
}

// Reject tells the client why its handshake failed.
func (t *transport) Reject(reason string) error {
	return t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeTimeout))
}

// Close sends a normal close frame and closes the underlying connection.
func (t *transport) Close() error {
	t.closeWith(websocket.CloseNormalClosure, "")
	return t.err
}

func (t *transport) closeWith(code int, text string) {
	t.once.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second))
		t.err = t.conn.Close()
	})
}
