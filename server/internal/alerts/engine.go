package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/relaycast/relaycast/server/internal/config"
	"github.com/relaycast/relaycast/server/internal/relay"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Severity   string     `json:"severity"`
	Condition  string     `json:"condition"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"

	// Relay is the snapshot the rule was last evaluated against.
	Relay relay.Stats `json:"relay"`
}

// StatsSource supplies relay statistics. *relay.Server implements it.
type StatsSource interface {
	Stats() relay.Stats
}

type rule struct {
	config.AlertRule
	cond condition
}

// Engine evaluates alert rules against relay statistics and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig
	client   *http.Client

	mu       sync.Mutex
	prev     relay.Stats
	active   map[string]*Alert    // key: rule name
	lastFire map[string]time.Time // last fire time per rule (for cooldown)
	history  []*Alert             // recently resolved alerts
	inflight sync.WaitGroup
}

// New creates an Engine from the alert configuration. Every rule condition is
// parsed up front; an unparseable condition is an error.
// An Engine with no rules is valid; Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) (*Engine, error) {
	e := &Engine{
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
	}
	for _, r := range cfg.Rules {
		c, err := parseCondition(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("alerts: rule %q: %w", r.Name, err)
		}
		e.rules = append(e.rules, rule{AlertRule: r, cond: c})
	}
	return e, nil
}

// Run evaluates src every interval until ctx is cancelled, then waits for
// in-flight webhook deliveries.
func (e *Engine) Run(ctx context.Context, src StatsSource, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			return
		case <-t.C:
			e.Evaluate(src.Stats())
		}
	}
}

// Evaluate tests all configured rules against st. Counter conditions see the
// increase since the previous call.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(st relay.Stats) {
	e.mu.Lock()
	prev := e.prev
	e.prev = st
	e.mu.Unlock()

	now := time.Now()
	for _, r := range e.rules {
		fires, value := r.cond.eval(st, prev)
		if fires {
			e.fire(r, value, st, now)
		} else {
			e.resolve(r, st, now)
		}
	}
}

func (e *Engine) fire(r rule, value float64, st relay.Stats, now time.Time) {
	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	e.mu.Lock()
	if _, firing := e.active[r.Name]; firing || now.Sub(e.lastFire[r.Name]) <= cooldown {
		e.mu.Unlock()
		return
	}
	sev := r.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:        fmt.Sprintf("%s:%d", r.Name, now.UnixNano()),
		RuleName:  r.Name,
		Severity:  sev,
		Condition: r.Condition,
		Value:     value,
		Message:   fmt.Sprintf("[%s] %s fired: %s (value %.2f)", sev, r.Name, r.Condition, value),
		FiredAt:   now,
		State:     "firing",
		Relay:     st,
	}
	e.active[r.Name] = a
	e.lastFire[r.Name] = now
	alertCopy := *a
	e.mu.Unlock()

	slog.Warn("alert fired",
		"rule", r.Name,
		"value", value,
		"severity", sev,
	)
	e.dispatch(&alertCopy)
}

func (e *Engine) resolve(r rule, st relay.Stats, now time.Time) {
	e.mu.Lock()
	a, ok := e.active[r.Name]
	if !ok {
		e.mu.Unlock()
		return
	}
	resolved := now
	a.State = "resolved"
	a.ResolvedAt = &resolved
	a.Relay = st
	delete(e.active, r.Name)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	alertCopy := *a
	e.mu.Unlock()

	slog.Info("alert resolved", "rule", r.Name)
	e.dispatch(&alertCopy)
}

func (e *Engine) dispatch(a *Alert) {
	if len(e.webhooks) == 0 {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.deliver(a)
	}()
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
