package mcp

// ContentTypeText is the only content block type produced by this server.
const ContentTypeText = "text"

// ClientCapabilities advertises client features. The server does not act on
// them but keeps them for logging.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling     *struct{}      `json:"sampling,omitempty"`
	Elicitation  *struct{}      `json:"elicitation,omitempty"`
	Experimental map[string]any `json:"experimental,omitempty"`
}

// ServerCapabilities advertises server features. A non-nil empty struct
// serializes as {} which is how a capability is announced.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
	Subscribe   bool `json:"subscribe,omitzero"`
}

type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tool is a tool descriptor as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is the object schema of a tool's arguments.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Default     any                       `json:"default,omitempty"`
}
