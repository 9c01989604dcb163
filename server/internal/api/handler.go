package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/alerts"
	"github.com/relaycast/relaycast/server/internal/auth"
	"github.com/relaycast/relaycast/server/internal/config"
	"github.com/relaycast/relaycast/server/internal/metrics"
	"github.com/relaycast/relaycast/server/internal/relay"
)

// MaxPublishBytes bounds the body of POST /api/v1/topics/{topic}/publish.
const MaxPublishBytes = 1 << 20

// AlertLister returns current alerts. *alerts.Engine implements it.
type AlertLister interface {
	Active() []*alerts.Alert
}

// Options wires the HTTP surface to a running relay.
type Options struct {
	Relay *relay.Server

	// WS serves the websocket endpoint at /ws. Nil leaves /ws unmounted.
	WS http.Handler

	// Alerts backs GET /api/v1/alerts. Nil serves an empty list.
	Alerts AlertLister

	// Auth guards the publish endpoint with the producer API key.
	Auth config.AuthConfig
}

// Handler serves the relay's HTTP endpoints.
type Handler struct {
	relay  *relay.Server
	alerts AlertLister
	router chi.Router
}

// New creates a Handler and registers all routes.
func New(opts Options) http.Handler {
	h := &Handler{relay: opts.Relay, alerts: opts.Alerts, router: chi.NewRouter()}

	r := h.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if opts.WS != nil {
		r.Get("/ws", opts.WS.ServeHTTP)
	}
	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Relay))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/stats", h.stats)
		r.Get("/alerts", h.listAlerts)
		r.Get("/topics", h.listTopics)
		r.Get("/topics/{topic}", h.getTopic)
		r.With(auth.APIKeyMiddleware(opts.Auth.Mode, opts.Auth.EffectiveHeader(), opts.Auth.Key())).
			Post("/topics/{topic}/publish", h.publish)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /healthz: liveness plus connection and goroutine counts.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.relay.Stats()
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Connections: st.Connections,
		Topics:      st.Topics,
		Goroutines:  runtime.NumGoroutine(),
	})
}

// stats returns GET /api/v1/stats: gauges and lifetime counters.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.relay.Stats())
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		jsonResp(w, http.StatusOK, []struct{}{})
		return
	}
	jsonResp(w, http.StatusOK, h.alerts.Active())
}

// listTopics returns GET /api/v1/topics: live topics by subscriber count,
// busiest first.
func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.relay.Topics()
	out := make([]TopicResponse, 0, len(topics))
	for t, n := range topics {
		out = append(out, TopicResponse{Topic: string(t), Subscribers: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subscribers != out[j].Subscribers {
			return out[i].Subscribers > out[j].Subscribers
		}
		return out[i].Topic < out[j].Topic
	})
	jsonResp(w, http.StatusOK, out)
}

// getTopic returns GET /api/v1/topics/{topic}. A topic with no subscribers
// is reported with zero subscribers, not as missing.
func (h *Handler) getTopic(w http.ResponseWriter, r *http.Request) {
	topic := types.Topic(chi.URLParam(r, "topic"))
	if !topic.Valid() {
		jsonErr(w, http.StatusBadRequest, "invalid topic")
		return
	}
	jsonResp(w, http.StatusOK, TopicResponse{
		Topic:       string(topic),
		Subscribers: len(h.relay.SubscribersOf(topic)),
	})
}

// publish handles POST /api/v1/topics/{topic}/publish. The request body is
// the payload; a JSON body is delivered as-is, anything else as a JSON string.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	topic := types.Topic(chi.URLParam(r, "topic"))
	if !topic.Valid() {
		jsonErr(w, http.StatusBadRequest, "invalid topic")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPublishBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	report := h.relay.Publish(r.Context(), topic, body)
	jsonResp(w, http.StatusOK, PublishResponse{
		Topic:       string(report.Topic),
		Subscribers: report.Subscribers,
		Delivered:   report.Delivered,
		Failed:      report.Failed(),
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
