// Package protocol is the JSON-RPC session layer between the HTTP
// transports and the tool dispatcher.
//
// A Server owns the session registry. Transports start a session with
// Server.Initialize (modern transport: the session starts with an initialize
// POST) or Server.Open (legacy transport: the session starts when the push
// stream opens) and resolve later messages with Server.Lookup.
//
// Each session has one Conn. Conn.HandleMessage decodes a message and
// answers initialize, ping, tools/list and tools/call using only that
// session's state. Notifications are never answered. Conn.Push and
// Conn.Subscribe carry server-to-client messages through the outbox.
//
// Removal always goes through the registry: Conn.Terminate, Server.Terminate
// and the registry sweep all end in Registry.Remove, which runs Conn.Close
// exactly once. Close cancels requests still in flight, which then fail with
// ErrSessionClosed, ends subscriptions and runs OnClose callbacks.
package protocol
