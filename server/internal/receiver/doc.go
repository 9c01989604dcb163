// Package receiver implements relayrpc.PublisherServer, the gRPC endpoint
// producers call to broadcast content ("record saved → broadcast").
//
// Receiver.Publish validates that the topic is present and well formed and
// that the payload is at most MaxPayloadBytes (codes.InvalidArgument
// otherwise), then calls the relay's Publish and returns the delivery
// counts. PublishBatch validates the whole batch before publishing any of
// it, then publishes in order.
//
// Authentication is enforced upstream by the gRPC server interceptor (see
// package auth), so the receiver itself only performs structural validation.
package receiver
