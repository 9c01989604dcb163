// Package registry tracks live client connections, their authenticated
// identity and their outbound queues.
//
// A Connection is created in state Connecting, becomes Open when registered,
// and passes through Closing to Closed when removed. Its identity is fixed at
// construction and never changes.
//
// Backpressure: every connection owns a bounded queue of notifications. Send
// never blocks; when the queue is full the new notification is dropped for
// that connection only and Send returns ErrBackpressure (drop-newest). A
// transport writer goroutine drains the queue via Connection.Outbound.
//
// Remove calls the registry's onRemove hook (used to purge the connection's
// subscriptions) before the queue and transport are closed, so a removed
// connection receives nothing further. Sends racing with removal fail with
// ErrClosed rather than panicking.
package registry
