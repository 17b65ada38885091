// Package streaminghttp implements the MCP streamable HTTP transport
// (revision 2025-06-18). It mounts as a standard net/http handler on a single
// endpoint.
//
// Responsibilities
//   - POST: one JSON-RPC message per request. Without an Mcp-Session-Id
//     header the message must be initialize, which opens a session and
//     returns its id in the Mcp-Session-Id response header.
//   - GET: the push stream of a session, resumable with Last-Event-ID.
//   - DELETE: explicit termination through the registry removal path.
//
// Construction
//
//	srv := protocol.NewServer(registry, dispatcher, seed)
//	h := streaminghttp.New(srv, streaminghttp.WithEndpointPath("/mcp"))
//
// # Error Handling
//
// Calls that carry no known session and are not initialize get HTTP 400 with
// a JSON-RPC error of code -32000 and a null id. Internal failures get HTTP
// 500 with code -32603. Protocol errors inside a session (parse errors,
// unknown methods, invalid params) are ordinary JSON-RPC error responses.
//
// # Disconnects
//
// A response that cannot be written terminates the session with reason
// transport_error. A GET stream whose client hangs up only detaches; the
// session stays alive until it is deleted or swept.
//
// Authentication and CORS are left to middleware around the handler.
package streaminghttp
