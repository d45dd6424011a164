package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/azdo-tools/workitems-mcp/mcp"
	"github.com/invopop/jsonschema"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties relaxes argument decoding to tolerate unknown
// fields.
func WithAllowAdditionalProperties() ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = true }
}

// NewTool constructs a StaticTool with a typed argument struct A. The input
// schema is reflected from A; arguments are decoded strictly unless
// WithAllowAdditionalProperties is set. Handler errors surface as isError tool
// results, never as protocol errors.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		res, err := fn(ctx, a)
		if err != nil {
			return Errorf("%v", err), nil
		}
		return res, nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// Errorf builds an isError tool result with a formatted text message.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// TextResult builds a successful single-text-block tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}
}

// JSONResult marshals v with indentation into a text content block. Tool
// output in this server is JSON rendered for model consumption.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return TextResult(string(b)), nil
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	at := reflect.TypeFor[A]()
	for at.Kind() == reflect.Pointer {
		at = at.Elem()
	}
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		// Expanding the root definition only works for named types;
		// unnamed argument structs have no definition entry to expand.
		ExpandedStruct:            at.Name() != "",
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP
// SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and
// handlers, with stable listing order and offset-cursor pagination.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors in registration order
	handlers map[string]ToolHandler // name -> handler
	pageSize int
}

// NewToolsContainer constructs a ToolsContainer with the given definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	c := &ToolsContainer{handlers: make(map[string]ToolHandler), pageSize: 50}
	for _, def := range defs {
		c.Register(def)
	}
	return c
}

// Register adds or replaces a tool.
func (c *ToolsContainer) Register(def StaticTool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[def.Descriptor.Name]; exists {
		for i := range c.tools {
			if c.tools[i].Name == def.Descriptor.Name {
				c.tools[i] = def.Descriptor
				break
			}
		}
	} else {
		c.tools = append(c.tools, def.Descriptor)
	}
	c.handlers[def.Descriptor.Name] = def.Handler
}

// SetPageSize sets the pagination size used by ListTools. Non-positive values
// are ignored.
func (c *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.pageSize = n
	c.mu.Unlock()
}

// ListTools returns one page of descriptors starting at the opaque cursor.
func (c *ToolsContainer) ListTools(cursor string) ([]mcp.Tool, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}
	if start >= len(c.tools) {
		return []mcp.Tool{}, "", nil
	}

	end := start + c.pageSize
	next := ""
	if end >= len(c.tools) {
		end = len(c.tools)
	} else {
		next = strconv.Itoa(end)
	}

	page := make([]mcp.Tool, end-start)
	copy(page, c.tools[start:end])
	return page, next, nil
}

// CallTool dispatches a tool invocation to its registered handler.
func (c *ToolsContainer) CallTool(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	handler, ok := c.handlers[req.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %q", req.Name)
	}
	return handler(ctx, req)
}
