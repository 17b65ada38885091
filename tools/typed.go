package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/invopop/jsonschema"
)

// Reflect builds a SchemaFactory from the Go type A. Field names follow the
// json tags; fields without omitempty are required.
func Reflect[A any](description string) SchemaFactory {
	return func() Schema {
		return Schema{Description: description, Input: reflectInputSchema[A]()}
	}
}

// Bind adapts a typed function into a Handler. Arguments are decoded
// strictly: unknown fields and missing required fields fail the call.
func Bind[S, A any](fn func(ctx context.Context, state S, args A) (*mcp.CallToolResult, error)) Handler[S] {
	required := reflectInputSchema[A]().Required
	return func(ctx context.Context, raw json.RawMessage, state S) (*mcp.CallToolResult, error) {
		var args A
		if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			raw = json.RawMessage("{}")
		}
		if err := checkRequired(raw, required); err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, state, args)
	}
}

func checkRequired(raw json.RawMessage, required []string) error {
	if len(required) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	var missing []string
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	if len(missing) == 1 {
		return fmt.Errorf("missing required parameter: %s", missing[0])
	}
	return fmt.Errorf("missing required parameters: %v", missing)
}

func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   append([]string(nil), s.Required...),
	}
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// Text builds a successful single-block result.
func Text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf builds a failed single-block result.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}

// HybridText is the object form of a text block: a human readable summary
// plus machine readable data.
type HybridText struct {
	Summary string `json:"summary"`
	Data    any    `json:"data"`
}

// Hybrid builds a successful result whose text is an encoded HybridText.
func Hybrid(summary string, data any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(HybridText{Summary: summary, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize hybrid result: %w", err)
	}
	return Text(string(b)), nil
}
