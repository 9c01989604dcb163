// Package api implements the HTTP surface of relayd.
//
// New(opts) returns a chi router that serves:
//
//	GET  /ws                              websocket endpoint (package ws)
//	GET  /healthz                         status, connections, topics, goroutines
//	GET  /metrics                         Prometheus text exposition (package metrics)
//	GET  /api/v1/stats                    relay.Stats
//	GET  /api/v1/alerts                   firing and recently resolved alerts
//	GET  /api/v1/topics                   live topics with subscriber counts
//	GET  /api/v1/topics/{topic}           one topic's subscriber count
//	POST /api/v1/topics/{topic}/publish   broadcast the request body; API key required
//
// JSON endpoints respond with Content-Type: application/json and report
// failures as {"error": "..."}. JSON types are defined in types.go.
package api
