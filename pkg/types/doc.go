// Package types defines the wire and in-memory types shared by relayd,
// relayctl and embedding applications: connection and topic identifiers,
// the opaque client identity, and the JSON frames exchanged with websocket
// clients.
package types
