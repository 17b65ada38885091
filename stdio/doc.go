// Package stdio runs one MCP session over a byte stream, normally the
// process's stdin and stdout. Messages are newline-delimited JSON-RPC in both
// directions. It is the transport for launching the server as a subprocess of
// a desktop client.
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user, recorded in logs only
//	Sessions         : one, opened when Serve starts
//
// Logs must not go to the writer; the command line wires them to stderr.
//
// Example:
//
//	h := stdio.New(srv)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
