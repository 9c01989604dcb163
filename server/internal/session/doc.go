// Package session implements the per-connection, per-topic channel session.
//
//	Unsubscribed --Subscribe--> Pending --approved--> Subscribed --Unsubscribe--> Unsubscribed
//	                               \--denied--> Unsubscribed
//	any state --Close--> Unsubscribed (terminal)
//
// Authorization is delegated to an Authorizer supplied by the embedding
// application. The session lock is not held while the Authorizer runs, so a
// slow policy never blocks Unsubscribe or Close; a result that arrives after
// the session left Pending is discarded.
//
// Once a session returns to Unsubscribed it is finished: Done reports true and
// the owner discards it. A later subscribe request for the same topic starts
// a new session.
package session
