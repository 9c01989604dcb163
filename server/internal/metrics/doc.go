// Package metrics exposes relay statistics in the Prometheus text format and
// reads them back.
//
// Families(stats, topics) builds the metric families served at /metrics:
//
//	relaycast_connections                   gauge
//	relaycast_topics                        gauge
//	relaycast_subscriptions                 gauge
//	relaycast_topic_subscribers{topic="…"}  gauge
//	relaycast_goroutines                    gauge
//	relaycast_published_total               counter
//	relaycast_delivered_total               counter
//	relaycast_send_failures_total           counter
//	relaycast_rejected_handshakes_total     counter
//	relaycast_denied_subscriptions_total    counter
//
// Fetch and Parse decode an exposition; StatsFrom maps it back to relay.Stats
// so relayctl can report on a running relayd.
package metrics
