package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/alerts"
	"github.com/relaycast/relaycast/server/internal/api"
	"github.com/relaycast/relaycast/server/internal/auth"
	"github.com/relaycast/relaycast/server/internal/config"
	"github.com/relaycast/relaycast/server/internal/registry"
	"github.com/relaycast/relaycast/server/internal/relay"
	"github.com/relaycast/relaycast/server/internal/session"
)

// --- test helpers -----------------------------------------------------------

func newRelay(t *testing.T) *relay.Server {
	t.Helper()
	srv := relay.New(relay.Options{
		Resolver: auth.ResolverFunc(func(_ context.Context, md auth.Metadata) (types.Identity, error) {
			return types.Identity(md.Token), nil
		}),
		Authorizer: session.AuthorizerFunc(func(context.Context, types.Identity, types.Topic) (bool, error) {
			return true, nil
		}),
	})
	t.Cleanup(srv.Shutdown)
	return srv
}

type nopTransport struct{}

func (nopTransport) Close() error { return nil }

// subscriber connects identity to srv and subscribes it to topics, draining
// the welcome and connected notifications.
func subscriber(t *testing.T, srv *relay.Server, identity string, topics ...types.Topic) *registry.Connection {
	t.Helper()
	c, err := srv.Accept(context.Background(), auth.Metadata{Token: identity}, nopTransport{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	<-c.Outbound()
	for _, topic := range topics {
		if err := srv.HandleControlFrame(context.Background(), c.ID(),
			types.ControlFrame{Action: types.ActionSubscribe, Topic: topic}); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
		<-c.Outbound()
	}
	return c
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /healthz ---------------------------------------------------------------

func TestHealth_ReportsCounts(t *testing.T) {
	srv := newRelay(t)
	subscriber(t, srv, "alice", "chat_1")
	h := api.New(api.Options{Relay: srv})

	rr := get(t, h, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Connections != 1 || resp.Topics != 1 || resp.Goroutines <= 0 {
		t.Errorf("health: got %+v", resp)
	}
}

// --- /api/v1/topics ---------------------------------------------------------

func TestTopics_SortedBySubscribers(t *testing.T) {
	srv := newRelay(t)
	subscriber(t, srv, "a", "quiet", "busy")
	subscriber(t, srv, "b", "busy")
	h := api.New(api.Options{Relay: srv})

	var out []api.TopicResponse
	decode(t, get(t, h, "/api/v1/topics"), &out)
	if len(out) != 2 {
		t.Fatalf("topics: got %d, want 2", len(out))
	}
	if out[0].Topic != "busy" || out[0].Subscribers != 2 || out[1].Topic != "quiet" {
		t.Errorf("order: got %+v", out)
	}
}

func TestTopics_EmptyIsArray(t *testing.T) {
	h := api.New(api.Options{Relay: newRelay(t)})
	rr := get(t, h, "/api/v1/topics")
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %s, want []", body)
	}
}

func TestGetTopic_UnknownHasZeroSubscribers(t *testing.T) {
	h := api.New(api.Options{Relay: newRelay(t)})
	rr := get(t, h, "/api/v1/topics/nobody_here")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.TopicResponse
	decode(t, rr, &resp)
	if resp.Subscribers != 0 || resp.Topic != "nobody_here" {
		t.Errorf("topic: got %+v", resp)
	}
}

// --- publish ----------------------------------------------------------------

func TestPublish_DeliversBody(t *testing.T) {
	srv := newRelay(t)
	c := subscriber(t, srv, "alice", "orders")
	h := api.New(api.Options{Relay: srv})

	rr := post(t, h, "/api/v1/topics/orders/publish", `{"id":42}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rr.Code, rr.Body.String())
	}
	var resp api.PublishResponse
	decode(t, rr, &resp)
	if resp.Subscribers != 1 || resp.Delivered != 1 || resp.Failed != 0 {
		t.Errorf("report: got %+v", resp)
	}

	select {
	case n := <-c.Outbound():
		if n.Type != types.TypeMessage || string(n.Payload) != `{"id":42}` {
			t.Errorf("notification: got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestPublish_RequiresAPIKey(t *testing.T) {
	t.Setenv("RELAY_TEST_API_KEY", "k3y")
	h := api.New(api.Options{
		Relay: newRelay(t),
		Auth:  config.AuthConfig{Mode: "apikey", KeyEnv: "RELAY_TEST_API_KEY"},
	})

	if rr := post(t, h, "/api/v1/topics/t/publish", `1`, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no key: got %d, want 401", rr.Code)
	}
	if rr := post(t, h, "/api/v1/topics/t/publish", `1`, map[string]string{"x-api-key": "nope"}); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: got %d, want 401", rr.Code)
	}
	if rr := post(t, h, "/api/v1/topics/t/publish", `1`, map[string]string{"x-api-key": "k3y"}); rr.Code != http.StatusOK {
		t.Errorf("right key: got %d, want 200", rr.Code)
	}
	// Read-only endpoints stay open.
	if rr := get(t, h, "/api/v1/topics"); rr.Code != http.StatusOK {
		t.Errorf("topics: got %d, want 200", rr.Code)
	}
}

func TestPublish_TooLarge(t *testing.T) {
	h := api.New(api.Options{Relay: newRelay(t)})
	rr := post(t, h, "/api/v1/topics/t/publish", strings.Repeat("a", api.MaxPublishBytes+1), nil)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rr.Code)
	}
}

func TestPublish_WrongMethod(t *testing.T) {
	h := api.New(api.Options{Relay: newRelay(t)})
	rr := get(t, h, "/api/v1/topics/t/publish")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- stats, alerts, metrics --------------------------------------------------

func TestStats(t *testing.T) {
	srv := newRelay(t)
	subscriber(t, srv, "alice", "a", "b")
	srv.Publish(context.Background(), "a", []byte(`1`))
	h := api.New(api.Options{Relay: srv})

	var st relay.Stats
	decode(t, get(t, h, "/api/v1/stats"), &st)
	if st.Connections != 1 || st.Subscriptions != 2 || st.Published != 1 || st.Delivered != 1 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestAlerts(t *testing.T) {
	srv := newRelay(t)
	if rr := get(t, api.New(api.Options{Relay: srv}), "/api/v1/alerts"); strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("no engine: got %s, want []", rr.Body.String())
	}

	eng, err := alerts.New(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "any", Condition: "connections >= 0"},
	}})
	if err != nil {
		t.Fatalf("alerts.New: %v", err)
	}
	eng.Evaluate(srv.Stats())

	var out []alerts.Alert
	decode(t, get(t, api.New(api.Options{Relay: srv, Alerts: eng}), "/api/v1/alerts"), &out)
	if len(out) != 1 || out[0].RuleName != "any" || out[0].State != "firing" {
		t.Errorf("alerts: got %+v", out)
	}
}

func TestMetrics(t *testing.T) {
	srv := newRelay(t)
	subscriber(t, srv, "alice", "chat_1")
	rr := get(t, api.New(api.Options{Relay: srv}), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"relaycast_connections 1", `relaycast_topic_subscribers{topic="chat_1"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestUnknownRoute_JSON404(t *testing.T) {
	rr := get(t, api.New(api.Options{Relay: newRelay(t)}), "/api/v1/pipelines")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"error"`) {
		t.Errorf("body: got %s", rr.Body.String())
	}
}
