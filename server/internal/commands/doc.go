// Package commands implements the relayctl subcommands. Each command is a
// small struct holding its own flag destinations plus the shared *Flags,
// and adds itself to the root cli.Command through Register.
//
//	token mint|issue|revoke|ls   client credentials (sealed or stored in bbolt)
//	publish                      one message over gRPC or HTTP
//	pipe                         NDJSON from stdin through pkg/shipper
//	stats                        relay totals parsed from /metrics
package commands
