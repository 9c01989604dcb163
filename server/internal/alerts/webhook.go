package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycast/relaycast/server/internal/relay"
)

// relayEvent is the JSON body posted to "http" webhooks. The relay snapshot
// is flattened in so receivers can graph connections and topics directly.
type relayEvent struct {
	Source     string     `json:"source"`
	Event      string     `json:"event"` // "alert.firing" | "alert.resolved"
	ID         string     `json:"id"`
	Rule       string     `json:"rule"`
	Severity   string     `json:"severity"`
	Condition  string     `json:"condition"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	relay.Stats
}

func newRelayEvent(a *Alert) relayEvent {
	return relayEvent{
		Source:     "relaycast",
		Event:      "alert." + a.State,
		ID:         a.ID,
		Rule:       a.RuleName,
		Severity:   a.Severity,
		Condition:  a.Condition,
		Value:      a.Value,
		FiredAt:    a.FiredAt,
		ResolvedAt: a.ResolvedAt,
		Stats:      a.Relay,
	}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

// deliver posts a to every configured webhook. Failures are logged only.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var body any
		switch wh.Type {
		case "slack":
			body = slackBody(a)
		case "http":
			body = newRelayEvent(a)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err := e.post(url, body); err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"rule", a.RuleName,
				"err", err,
			)
			continue
		}
		slog.Debug("alerts: webhook delivered",
			"type", wh.Type,
			"rule", a.RuleName,
			"state", a.State,
			"connections", a.Relay.Connections,
		)
	}
}

func slackBody(a *Alert) slackMessage {
	text := fmt.Sprintf("*%s* relaycast %s", severityLabel(a.Severity), a.Message)
	color := severityColor(a.Severity)
	if a.State == "resolved" {
		text = fmt.Sprintf("*[RESOLVED]* relaycast %s: %s", a.RuleName, a.Condition)
		color = "good"
	}
	st := a.Relay
	return slackMessage{
		Text: text,
		Attachments: []slackAttachment{{
			Color: color,
			Fields: []slackField{
				{Title: "Connections", Value: strconv.Itoa(st.Connections), Short: true},
				{Title: "Topics", Value: strconv.Itoa(st.Topics), Short: true},
				{Title: "Subscriptions", Value: strconv.Itoa(st.Subscriptions), Short: true},
				{Title: "Send failures", Value: strconv.FormatUint(st.SendFailures, 10), Short: true},
				{Title: "Denied subscriptions", Value: strconv.FormatUint(st.DeniedSubscriptions, 10), Short: true},
				{Title: "Rejected handshakes", Value: strconv.FormatUint(st.RejectedHandshakes, 10), Short: true},
			},
		}},
	}
}

func (e *Engine) post(url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relaycast-alerts")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "#439FE0"
	}
}
