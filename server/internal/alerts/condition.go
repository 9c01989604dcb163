package alerts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycast/relaycast/server/internal/relay"
)

// condition is a parsed rule expression "field operator value".
//
// Supported fields:
//
//	connections, topics, subscriptions             gauges, current value
//	published, delivered, send_failures,
//	rejected_handshakes, denied_subscriptions      counters, increase since
//	                                               the previous evaluation
//
// Operators: > >= < <= ==
type condition struct {
	field     string
	op        string
	threshold float64
}

var gauges = map[string]func(relay.Stats) float64{
	"connections":   func(s relay.Stats) float64 { return float64(s.Connections) },
	"topics":        func(s relay.Stats) float64 { return float64(s.Topics) },
	"subscriptions": func(s relay.Stats) float64 { return float64(s.Subscriptions) },
}

var counters = map[string]func(relay.Stats) uint64{
	"published":            func(s relay.Stats) uint64 { return s.Published },
	"delivered":            func(s relay.Stats) uint64 { return s.Delivered },
	"send_failures":        func(s relay.Stats) uint64 { return s.SendFailures },
	"rejected_handshakes":  func(s relay.Stats) uint64 { return s.RejectedHandshakes },
	"denied_subscriptions": func(s relay.Stats) uint64 { return s.DeniedSubscriptions },
}

// parseCondition parses cond, rejecting unknown fields and operators.
func parseCondition(cond string) (condition, error) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return condition{}, fmt.Errorf("condition %q: want \"<field> <op> <value>\"", cond)
	}
	c := condition{field: parts[0], op: parts[1]}

	_, isGauge := gauges[c.field]
	_, isCounter := counters[c.field]
	if !isGauge && !isCounter {
		return condition{}, fmt.Errorf("condition %q: unknown field %q", cond, c.field)
	}
	switch c.op {
	case ">", ">=", "<", "<=", "==":
	default:
		return condition{}, fmt.Errorf("condition %q: unknown operator %q", cond, c.op)
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return condition{}, fmt.Errorf("condition %q: threshold: %w", cond, err)
	}
	c.threshold = v
	return c, nil
}

// eval returns whether the condition holds and the value it was tested on.
func (c condition) eval(cur, prev relay.Stats) (bool, float64) {
	var v float64
	if g, ok := gauges[c.field]; ok {
		v = g(cur)
	} else {
		get := counters[c.field]
		if now, before := get(cur), get(prev); now > before {
			v = float64(now - before)
		}
	}
	return compareFloat(v, c.op, c.threshold), v
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
