// Package ws serves relay clients over websocket.
//
// Handler.ServeHTTP upgrades the request, then runs relay.Server.Accept with
// the credential found in the session cookie, the query string or an
// "Authorization: Bearer" header. A rejected client receives close code 1008
// (policy violation) with reason "unauthorized".
//
// Each accepted connection gets two goroutines:
//
//	readPump   decodes {"action": "subscribe"|"unsubscribe", "topic": "..."}
//	           frames and hands them to the relay in arrival order
//	writePump  drains the connection's outbound queue and sends pings
//
// writePump is the only goroutine writing data frames. Clients that send
// oversized frames (close 1009), flood control frames (close 1008) or keep
// sending undecodable frames (close 1003) are disconnected. Any single
// malformed frame is answered with {"type": "error", "reason": "..."}.
//
// The endpoint is mounted at /ws by package api.
package ws
