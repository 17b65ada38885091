// Package mcp holds the Model Context Protocol wire types used by the
// transports, the protocol connection and the client adapter.
//
// Only the slice of the protocol this server speaks is modeled: the
// initialize handshake, ping, and tool listing and invocation. Method names
// are Method constants so that routing code never compares raw strings.
//
// Tool results are always wrapped in a CallToolResult envelope. Failures
// produced by a tool travel inside that envelope with IsError set, which lets
// a client distinguish "the call happened and failed" from "the call could not
// be made":
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "Unknown tool: x"}},
//	    IsError: true,
//	}
package mcp
