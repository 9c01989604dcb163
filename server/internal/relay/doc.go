// Package relay is the process-wide coordinator of the broadcast relay.
//
// A Server owns one registry.Registry, one subscription.Table and one
// dispatch.Dispatcher and wires them together:
//
//	Accept              handshake: resolve identity, register, send welcome
//	HandleControlFrame  subscribe/unsubscribe via a per-(connection, topic) session
//	Publish             the only ingress for broadcast content
//	Disconnect          close sessions, drop subscriptions, close the transport
//
// The server never performs transport I/O itself. Accept hands back the
// registry.Connection; the transport layer (package ws) drains its Outbound
// queue and feeds inbound control frames to HandleControlFrame.
//
// A failed handshake never creates a connection record. When the transport
// implements Rejecter it is told why before being closed.
package relay
