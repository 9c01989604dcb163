// Package shipper publishes messages to a relay over the relayrpc Publisher
// gRPC service (PublishBatch unary RPC). It bridges background producers,
// such as a job runner writing NDJSON to relayctl pipe, to the relay.
//
// Shipper.Ship() is non-blocking: messages are placed in an in-memory
// channel (default capacity 1000). When the buffer is full the oldest entry
// is evicted so the newest content is always preserved.
//
// Shipper.Run() drains the buffer in batches of up to BatchSize messages,
// reconnecting with truncated exponential backoff (1s→60s, ±25% jitter) on
// connection or send errors. A batch that fails on a broken connection is
// resent first after reconnecting, so a message may be published twice but
// never out of order. Permanent gRPC errors (Unauthenticated,
// PermissionDenied, InvalidArgument) discard the batch immediately.
//
// Close() stops intake; Run() returns once the buffer has drained.
//
// Auth: API key via gRPC metadata header, optional TLS, or plaintext for
// local development. The dialFn field is injectable for testing.
package shipper
