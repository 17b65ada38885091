package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
)

// Protocol revisions understood by this implementation, newest first.
const (
	LatestProtocolVersion   = "2025-06-18"
	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20241105 = "2024-11-05"
)

// SupportedProtocolVersions lists every revision a peer may negotiate.
var SupportedProtocolVersions = []string{LatestProtocolVersion, ProtocolVersion20250326, ProtocolVersion20241105}

// NegotiateProtocolVersion echoes the client's requested revision when it is
// supported and otherwise answers with the latest one.
func NegotiateProtocolVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}

type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
	// InitializationOptions is opaque to the protocol layer. Servers use it to
	// seed per-session state.
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

type ListToolsRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitzero"`
}

// CallToolRequest is the params object of tools/call. Arguments are kept raw
// so each tool decodes them against its own schema.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// CancelledNotification informs the peer that a request was abandoned.
type CancelledNotification struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitzero"`
}

// EmptyResult is the result of ping.
type EmptyResult struct{}
