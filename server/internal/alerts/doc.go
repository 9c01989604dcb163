// Package alerts evaluates threshold rules over relay statistics and delivers
// webhook notifications to Slack or generic HTTP targets.
//
// Rules look like "send_failures > 100" or "connections >= 5000". Gauges
// (connections, topics, subscriptions) are compared as-is; counters
// (published, delivered, send_failures, rejected_handshakes,
// denied_subscriptions) are compared by their increase since the previous
// evaluation, so a rule reads as "more than N per interval".
//
// A rule fires once, stays active until its condition clears, and cannot
// re-fire within its cooldown (default 15m). Engine.Run drives evaluation on
// a ticker; Engine.Active backs GET /api/v1/alerts.
package alerts
