package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaycast/relaycast/server/internal/config"
	"github.com/relaycast/relaycast/server/internal/relay"
)

// --- helpers ---

type hookRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.bodies = append(h.bodies, string(b))
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bodies...)
}

func newEngine(t *testing.T, rules ...config.AlertRule) *Engine {
	t.Helper()
	e, err := New(config.AlertsConfig{Rules: rules})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustParse(t *testing.T, s string) condition {
	t.Helper()
	c, err := parseCondition(s)
	if err != nil {
		t.Fatalf("parseCondition(%q): %v", s, err)
	}
	return c
}

// webhookEngine wires one slack and one http hook to test servers.
func webhookEngine(t *testing.T, rules ...config.AlertRule) (*Engine, *hookRecorder, *hookRecorder) {
	t.Helper()
	slack := &hookRecorder{}
	generic := &hookRecorder{}
	slackSrv := httptest.NewServer(slack)
	t.Cleanup(slackSrv.Close)
	httpSrv := httptest.NewServer(generic)
	t.Cleanup(httpSrv.Close)

	t.Setenv("RELAY_TEST_SLACK", slackSrv.URL)
	t.Setenv("RELAY_TEST_HOOK", httpSrv.URL)

	e, err := New(config.AlertsConfig{
		Rules: rules,
		Webhooks: []config.WebhookConfig{
			{Type: "slack", URLEnv: "RELAY_TEST_SLACK"},
			{Type: "http", URLEnv: "RELAY_TEST_HOOK"},
			{Type: "http", URLEnv: "RELAY_TEST_UNSET"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, slack, generic
}

// --- conditions ---

func TestParseCondition(t *testing.T) {
	for _, bad := range []string{"", "connections", "connections > ", "latency > 5", "connections ~ 5", "connections > many"} {
		if _, err := parseCondition(bad); err == nil {
			t.Errorf("condition %q: expected error", bad)
		}
	}
	c := mustParse(t, "send_failures >= 10")
	if want := (condition{field: "send_failures", op: ">=", threshold: 10}); c != want {
		t.Errorf("got %+v, want %+v", c, want)
	}
}

func TestCondition_GaugeUsesCurrentValue(t *testing.T) {
	c := mustParse(t, "connections > 2")

	fires, v := c.eval(relay.Stats{Connections: 3}, relay.Stats{Connections: 100})
	if !fires || v != 3 {
		t.Errorf("got fires=%v value=%v, want true/3", fires, v)
	}
}

func TestCondition_CounterUsesIncrease(t *testing.T) {
	c := mustParse(t, "send_failures > 10")

	fires, v := c.eval(relay.Stats{SendFailures: 105}, relay.Stats{SendFailures: 100})
	if fires || v != 5 {
		t.Errorf("got fires=%v value=%v, want false/5", fires, v)
	}

	if fires, _ = c.eval(relay.Stats{SendFailures: 120}, relay.Stats{SendFailures: 100}); !fires {
		t.Error("increase of 20 should fire")
	}
}

func TestNew_RejectsBadCondition(t *testing.T) {
	_, err := New(config.AlertsConfig{Rules: []config.AlertRule{{Name: "x", Condition: "bogus > 1"}}})
	if err == nil || !strings.Contains(err.Error(), `rule "x"`) {
		t.Fatalf("expected error naming rule x, got %v", err)
	}
}

// --- engine ---

func TestEvaluate_FireAndResolve(t *testing.T) {
	e := newEngine(t, config.AlertRule{Name: "crowded", Condition: "connections > 10", Severity: "critical"})

	e.Evaluate(relay.Stats{Connections: 5})
	if got := e.Active(); len(got) != 0 {
		t.Fatalf("active before threshold: %d", len(got))
	}

	e.Evaluate(relay.Stats{Connections: 11, Topics: 4})
	active := e.Active()
	if len(active) != 1 {
		t.Fatalf("active: got %d, want 1", len(active))
	}
	a := active[0]
	if a.State != "firing" || a.Severity != "critical" || a.Value != 11 {
		t.Errorf("firing alert: %+v", a)
	}
	if a.Relay.Topics != 4 {
		t.Errorf("relay snapshot topics: got %d, want 4", a.Relay.Topics)
	}

	// Still firing: no duplicate.
	e.Evaluate(relay.Stats{Connections: 12})
	if got := len(e.Active()); got != 1 {
		t.Errorf("active while firing: got %d, want 1", got)
	}

	e.Evaluate(relay.Stats{Connections: 3})
	active = e.Active()
	if len(active) != 1 {
		t.Fatalf("active after resolve: got %d, want 1", len(active))
	}
	if active[0].State != "resolved" || active[0].ResolvedAt == nil {
		t.Errorf("resolved alert: %+v", active[0])
	}
	if active[0].Relay.Connections != 3 {
		t.Errorf("resolved snapshot connections: got %d, want 3", active[0].Relay.Connections)
	}
}

func TestEvaluate_CooldownSuppressesRefire(t *testing.T) {
	e := newEngine(t, config.AlertRule{Name: "drops", Condition: "send_failures > 0", Cooldown: time.Hour})

	e.Evaluate(relay.Stats{SendFailures: 1})
	e.Evaluate(relay.Stats{SendFailures: 1}) // no increase: resolves
	e.Evaluate(relay.Stats{SendFailures: 2}) // fires again inside cooldown: suppressed

	for _, a := range e.Active() {
		if a.State == "firing" {
			t.Errorf("alert refired inside cooldown: %+v", a)
		}
	}
}

func TestEvaluate_NoRulesIsNoop(t *testing.T) {
	e := newEngine(t)
	e.Evaluate(relay.Stats{Connections: 1e6})
	if got := e.Active(); len(got) != 0 {
		t.Errorf("active: got %d, want 0", len(got))
	}
}

// --- webhooks ---

func TestWebhooks_SlackCarriesRelayFields(t *testing.T) {
	e, slack, _ := webhookEngine(t, config.AlertRule{Name: "denied", Condition: "denied_subscriptions >= 1"})

	e.Evaluate(relay.Stats{Connections: 7, Topics: 3, Subscriptions: 9, SendFailures: 2, DeniedSubscriptions: 4})
	e.inflight.Wait()

	bodies := slack.all()
	if len(bodies) != 1 {
		t.Fatalf("slack posts: got %d, want 1", len(bodies))
	}
	var msg slackMessage
	if err := json.Unmarshal([]byte(bodies[0]), &msg); err != nil {
		t.Fatalf("decode slack body: %v", err)
	}
	if !strings.Contains(msg.Text, "[WARNING]") {
		t.Errorf("text: %q", msg.Text)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments: got %d, want 1", len(msg.Attachments))
	}
	fields := map[string]string{}
	for _, f := range msg.Attachments[0].Fields {
		fields[f.Title] = f.Value
	}
	want := map[string]string{
		"Connections":          "7",
		"Topics":               "3",
		"Subscriptions":        "9",
		"Send failures":        "2",
		"Denied subscriptions": "4",
	}
	for title, v := range want {
		if fields[title] != v {
			t.Errorf("field %q: got %q, want %q", title, fields[title], v)
		}
	}
}

func TestWebhooks_HTTPBodyFlattensRelayStats(t *testing.T) {
	e, _, generic := webhookEngine(t, config.AlertRule{Name: "denied", Condition: "denied_subscriptions >= 1"})

	e.Evaluate(relay.Stats{Connections: 7, Topics: 3, Subscriptions: 9, SendFailures: 2, DeniedSubscriptions: 4})
	e.Evaluate(relay.Stats{Connections: 5, Topics: 1, DeniedSubscriptions: 4})
	e.inflight.Wait()

	bodies := generic.all()
	if len(bodies) != 2 {
		t.Fatalf("http posts: got %d, want 2", len(bodies))
	}

	var firing, resolved map[string]any
	for _, b := range bodies {
		var m map[string]any
		if err := json.Unmarshal([]byte(b), &m); err != nil {
			t.Fatalf("decode http body: %v", err)
		}
		switch m["event"] {
		case "alert.firing":
			firing = m
		case "alert.resolved":
			resolved = m
		default:
			t.Errorf("unexpected event %v", m["event"])
		}
	}
	if firing == nil || resolved == nil {
		t.Fatalf("missing events: firing=%v resolved=%v", firing, resolved)
	}

	checks := []struct {
		body  map[string]any
		key   string
		value any
	}{
		{firing, "source", "relaycast"},
		{firing, "rule", "denied"},
		{firing, "value", 4.0},
		{firing, "connections", 7.0},
		{firing, "topics", 3.0},
		{firing, "subscriptions", 9.0},
		{firing, "send_failures", 2.0},
		{resolved, "connections", 5.0},
		{resolved, "topics", 1.0},
	}
	for _, c := range checks {
		if got := c.body[c.key]; got != c.value {
			t.Errorf("%s %s: got %v, want %v", c.body["event"], c.key, got, c.value)
		}
	}
	if _, ok := resolved["resolved_at"]; !ok {
		t.Error("resolved event missing resolved_at")
	}
}
