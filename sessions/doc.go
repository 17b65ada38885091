// Package sessions owns the authoritative table of live sessions.
//
// A session is created when a client initializes, bound to exactly one
// protocol connection, and destroyed by explicit close, a transport failure or
// the periodic sweep. Every removal goes through Registry.Remove so that the
// release path is identical regardless of the trigger.
//
// Each session carries a state value of type S constructed fresh by the
// registry's factory. The state is reachable only through the session id: the
// package offers no way to enumerate states other than the read-only Range
// used for aggregate reporting.
//
// Lifecycle:
//
//	Create   -> StatusCreating (id reserved, no connection)
//	Bind     -> StatusActive   (first writer wins)
//	Remove   -> StatusClosing  -> StatusClosed (entry gone, hooks run once)
package sessions
